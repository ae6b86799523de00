package internal

import (
	"fmt"
	"strings"
)

// ParseCSV extracts indicators from delimited text. The first line is a header
// only when it contains a comma and does not start with a digit; otherwise it
// is data. A header maps columns by the configured field names; without one,
// configured 1-based column positions apply (value defaults to the first
// column).
func ParseCSV(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	start := 0
	valueIdx, typeIdx, confIdx, catIdx := fields.ValueColumn-1, fields.TypeColumn-1, fields.ConfidenceColumn-1, -1
	if valueIdx < 0 {
		valueIdx = 0
	}

	first := ""
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			first = strings.TrimSpace(l)
			break
		}
	}
	if first == "" {
		return nil, nil, &EnvelopeError{Format: FormatCSV, Err: fmt.Errorf("no data lines")}
	}

	if strings.Contains(first, ",") && !startsWithDigit(first) {
		// header row: resolve column positions by name
		cols := splitCSVLine(first)
		for i, col := range cols {
			switch strings.ToLower(strings.TrimSpace(col)) {
			case fields.valueField(), "indicator", "ioc":
				valueIdx = i
			case fields.typeField():
				typeIdx = i
			case fields.confidenceField(), "score":
				confIdx = i
			case fields.categoryField(), "threat_type":
				catIdx = i
			}
		}
		start = 1
	}

	var out []FeedIndicator
	var errs []ParseError
	seen := 0
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seen++
		if seen <= start {
			continue
		}
		cols := splitCSVLine(line)
		if valueIdx >= len(cols) {
			errs = append(errs, ParseError{
				Severity: SeverityError,
				Line:     n + 1,
				Message:  fmt.Sprintf("line has %d columns, value expected at %d", len(cols), valueIdx+1),
			})
			continue
		}
		value := strings.TrimSpace(cols[valueIdx])
		if value == "" {
			errs = append(errs, ParseError{Severity: SeverityWarning, Line: n + 1, Message: "empty value column, skipped"})
			continue
		}
		out = append(out, draft(value, colAt(cols, typeIdx), colAt(cols, confIdx), colAt(cols, catIdx)))
	}
	return out, errs, nil
}

func startsWithDigit(s string) bool {
	return len(s) > 0 && s[0] >= '0' && s[0] <= '9'
}

func colAt(cols []string, idx int) string {
	if idx < 0 || idx >= len(cols) {
		return ""
	}
	return strings.TrimSpace(cols[idx])
}

// splitCSVLine splits on commas honoring double-quoted fields; feed CSVs are
// simple enough that a full RFC 4180 reader is not warranted.
func splitCSVLine(line string) []string {
	var cols []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			cols = append(cols, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	cols = append(cols, cur.String())
	return cols
}
