package debian

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Paragraph is one stanza of a Debian control file.
type Paragraph map[string]string

func (p Paragraph) Package() string {
	return p["Package"]
}

func (p Paragraph) Version() string {
	return p["Version"]
}

// ParseControlFile reads blank-line separated stanzas of "Field: value"
// lines. Continuation lines are joined to the previous field with a newline.
func ParseControlFile(in io.Reader) ([]Paragraph, error) {
	var (
		graphs []Paragraph
		cur    Paragraph
		last   string
		lineNo int
	)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			if cur != nil {
				graphs = append(graphs, cur)
				cur, last = nil, ""
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				return nil, fmt.Errorf("line %d: continuation without a field", lineNo)
			}
			cur[last] += "\n" + strings.TrimSpace(line)
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: missing ':'", lineNo)
		}
		if cur == nil {
			cur = Paragraph{}
		}
		last = strings.TrimSpace(key)
		cur[last] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		graphs = append(graphs, cur)
	}
	return graphs, nil
}
