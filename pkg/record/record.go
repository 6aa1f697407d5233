package record

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a single fetch instruction as printed by the package manager's URI resolver.
type Record struct {
	URL      string
	Filename string
	Size     uint64
	Checksum Checksum
}

// Checksum is an `algorithm:digest` pair. The algorithm is normalized to lowercase with any
// trailing "sum" dropped, so "MD5Sum" and "md5" are the same algorithm.
type Checksum struct {
	Algorithm string
	Digest    string
}

func ParseChecksum(s string) (Checksum, error) {
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, fmt.Errorf("checksum %q: missing algorithm separator", s)
	}
	algo = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(algo)), "sum")
	digest = strings.ToLower(strings.TrimSpace(digest))
	if algo == "" || digest == "" {
		return Checksum{}, fmt.Errorf("checksum %q: empty algorithm or digest", s)
	}
	return Checksum{Algorithm: algo, Digest: digest}, nil
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Digest
}

func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Digest == ""
}

// MalformedRecordError is returned for an input line that cannot be turned into a Record.
type MalformedRecordError struct {
	Line   string
	LineNo int // 1-based; 0 when parsing a lone line
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.LineNo > 0 {
		return fmt.Sprintf("malformed record on line %d: %s", e.LineNo, e.Reason)
	}
	return fmt.Sprintf("malformed record %q: %s", e.Line, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// Parse reads one `'<url>' '<filename>' '<size>' '<algorithm>:<digest>'` line.
func Parse(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Record{}, &MalformedRecordError{
			Line:   line,
			Reason: fmt.Sprintf("expected 4 fields, got %d", len(fields)),
		}
	}
	for i := range fields {
		fields[i] = strings.Trim(fields[i], "'")
	}

	size, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Record{}, &MalformedRecordError{
			Line:   line,
			Reason: fmt.Sprintf("size %q is not a non-negative integer", fields[2]),
			Err:    err,
		}
	}

	sum, err := ParseChecksum(fields[3])
	if err != nil {
		return Record{}, &MalformedRecordError{Line: line, Reason: err.Error(), Err: err}
	}

	return Record{
		URL:      fields[0],
		Filename: fields[1],
		Size:     size,
		Checksum: sum,
	}, nil
}

// String renders the record in the same quoted form Parse accepts.
func (r Record) String() string {
	return fmt.Sprintf("'%s' '%s' '%d' '%s'", r.URL, r.Filename, r.Size, r.Checksum)
}
