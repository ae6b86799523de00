package internal

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// ParseTXT extracts one indicator per line. Lines starting with # are
// comments. No explicit type field exists, so the type detector classifies
// every value; unclassifiable lines surface as warnings and are kept with type
// unknown for the normalizer to judge (feed policy decides whether they
// survive).
func ParseTXT(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, &EnvelopeError{Format: FormatTXT, Err: fmt.Errorf("empty payload")}
	}

	var out []FeedIndicator
	var errs []ParseError
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ind := draft(line, "", "", "")
		if ind.Type == IndicatorUnknown {
			errs = append(errs, ParseError{
				Severity: SeverityWarning,
				Line:     lineNo,
				Message:  fmt.Sprintf("unclassifiable value %q", line),
			})
		}
		out = append(out, ind)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, &EnvelopeError{Format: FormatTXT, Err: err}
	}
	return out, errs, nil
}
