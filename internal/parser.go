package internal

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFunc turns raw feed bytes into draft indicators, not yet normalized or
// deduplicated. Per-record problems are reported in the []ParseError slice and
// never abort the run; a non-nil error is fatal (malformed envelope).
type ParseFunc func(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error)

// ParserFor selects the parser for a wire format. Unimplemented formats get a
// stub returning an empty result with a warning, so one misconfigured feed
// cannot halt aggregation for the rest.
func ParserFor(format FeedFormat) ParseFunc {
	switch format {
	case FormatJSON:
		return ParseJSON
	case FormatCSV:
		return ParseCSV
	case FormatTXT:
		return ParseTXT
	case FormatSTIX:
		return ParseSTIX
	default:
		return func(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error) {
			warn := ParseError{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("format %q not implemented, skipping feed content", format),
			}
			return nil, []ParseError{warn}, nil
		}
	}
}

// valueField returns the configured indicator-value field name or its default.
func (f FieldMap) valueField() string {
	if f.ValueField != "" {
		return f.ValueField
	}
	return "value"
}

func (f FieldMap) typeField() string {
	if f.TypeField != "" {
		return f.TypeField
	}
	return "type"
}

func (f FieldMap) confidenceField() string {
	if f.ConfidenceField != "" {
		return f.ConfidenceField
	}
	return "confidence"
}

func (f FieldMap) categoryField() string {
	if f.CategoryField != "" {
		return f.CategoryField
	}
	return "category"
}

// parseConfidence interprets a raw confidence representation as a 0-100 score.
// Unparseable or absent values fall back to 50 (medium).
func parseConfidence(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 50
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f <= 1.0 && f >= 0 {
			f *= 100 // ratio form
		}
		if f < 0 {
			f = 0
		}
		if f > 100 {
			f = 100
		}
		return int(f + 0.5)
	}
	switch strings.ToLower(raw) {
	case "low":
		return 25
	case "medium", "moderate":
		return 50
	case "high":
		return 80
	case "verified", "critical":
		return 95
	}
	return 50
}

// draft assembles a draft indicator with the type inferred when absent.
func draft(value, typ, confidence, category string) FeedIndicator {
	t := IndicatorType(strings.ToLower(strings.TrimSpace(typ)))
	switch t {
	case IndicatorIP, IndicatorDomain, IndicatorURL, IndicatorHash, IndicatorEmail,
		IndicatorFile, IndicatorRegistry, IndicatorMutex, IndicatorASN:
	default:
		t = DetectType(value)
	}
	score := parseConfidence(confidence)
	return FeedIndicator{
		Value:          strings.TrimSpace(value),
		Type:           t,
		ThreatCategory: strings.TrimSpace(category),
		Score:          score,
		Confidence:     LevelForScore(score),
		Active:         true,
	}
}
