package internal

import (
	"encoding/json"
	"fmt"
)

// candidate envelope fields probed when the payload is not a top-level array.
var jsonRecordFields = []string{"indicators", "data", "objects", "results", "items"}

// ParseJSON extracts indicators from a structured-object payload. The record
// array may sit at the top level or under a well-known field. Records are
// generic maps until field mapping is applied; no untyped map leaves this
// function. An object missing the configured value field is skipped with a
// warning, not an error.
func ParseJSON(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, &EnvelopeError{Format: FormatJSON, Err: err}
	}

	var records []any
	switch v := payload.(type) {
	case []any:
		records = v
	case map[string]any:
		for _, field := range jsonRecordFields {
			if arr, ok := v[field].([]any); ok {
				records = arr
				break
			}
		}
		if records == nil {
			return nil, nil, &EnvelopeError{Format: FormatJSON, Err: fmt.Errorf("no indicator array found")}
		}
	default:
		return nil, nil, &EnvelopeError{Format: FormatJSON, Err: fmt.Errorf("payload is %T, expected object or array", payload)}
	}

	var out []FeedIndicator
	var errs []ParseError
	for i, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			errs = append(errs, ParseError{
				Severity: SeverityError,
				Message:  fmt.Sprintf("record %d is %T, expected object", i, rec),
			})
			continue
		}
		value := stringAt(obj, fields.valueField())
		if value == "" {
			// also accept the common "indicator" alias before giving up
			value = stringAt(obj, "indicator")
		}
		if value == "" {
			errs = append(errs, ParseError{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("record %d missing %q field, skipped", i, fields.valueField()),
			})
			continue
		}
		ind := draft(value,
			stringAt(obj, fields.typeField()),
			stringAt(obj, fields.confidenceField()),
			stringAt(obj, fields.categoryField()),
		)
		if tags, ok := obj["tags"].([]any); ok {
			for _, tg := range tags {
				if s, ok := tg.(string); ok {
					ind.Tags = append(ind.Tags, s)
				}
			}
		}
		out = append(out, ind)
	}
	return out, errs, nil
}

// stringAt reads a map field as a string, rendering numbers via Sprintf so a
// numeric confidence survives field mapping.
func stringAt(obj map[string]any, field string) string {
	switch v := obj[field].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}
