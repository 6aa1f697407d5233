package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Read parses every non-blank line of r. A single malformed line fails the whole read.
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			var malformed *MalformedRecordError
			if errors.As(err, &malformed) {
				malformed.LineNo = lineNo
			}
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	return records, nil
}

// ReadFile parses a record file written by the URI resolver.
func ReadFile(fn string) ([]Record, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f)
}

// WriteFile writes records one per line, in the format ReadFile accepts.
func WriteFile(fn string, records []Record) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing records: %w", err)
	}
	return f.Close()
}
