package internal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// stixBundle is the subset of a STIX 2.x bundle the pipeline consumes. Only
// objects declared as indicators carry extractable values.
type stixBundle struct {
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Pattern string   `json:"pattern"`
	Labels  []string `json:"labels"`
	Valid   string   `json:"valid_until"`
}

// single equality clause: [path = 'value'], e.g. [ipv4-addr:value = '1.2.3.4']
var stixClause = regexp.MustCompile(`\[\s*([\w.:'\-]+)\s*=\s*'([^']+)'\s*\]`)

// ParseSTIX extracts indicators from a standardized-threat-object bundle.
// Non-indicator objects (attack patterns, relationships, malware) are ignored.
// The indicator type is inferred from the pattern's field path, falling back
// to the detector for paths it does not know.
func ParseSTIX(data []byte, fields FieldMap) ([]FeedIndicator, []ParseError, error) {
	var bundle stixBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, nil, &EnvelopeError{Format: FormatSTIX, Err: err}
	}
	if len(bundle.Objects) == 0 {
		return nil, nil, &EnvelopeError{Format: FormatSTIX, Err: fmt.Errorf("bundle has no objects")}
	}

	var out []FeedIndicator
	var errs []ParseError
	for _, obj := range bundle.Objects {
		if obj.Type != "indicator" {
			continue
		}
		m := stixClause.FindStringSubmatch(obj.Pattern)
		if m == nil {
			errs = append(errs, ParseError{
				Severity: SeverityError,
				Message:  fmt.Sprintf("indicator %s: unsupported pattern %q", obj.ID, obj.Pattern),
			})
			continue
		}
		path, value := m[1], m[2]
		typ := typeFromSTIXPath(path)
		if typ == IndicatorUnknown {
			typ = DetectType(value)
		}
		ind := draft(value, string(typ), "", firstLabel(obj.Labels))
		ind.Tags = obj.Labels
		out = append(out, ind)
	}
	return out, errs, nil
}

func typeFromSTIXPath(path string) IndicatorType {
	switch {
	case strings.HasPrefix(path, "ipv4-addr") || strings.HasPrefix(path, "ipv6-addr"):
		return IndicatorIP
	case strings.HasPrefix(path, "domain-name"):
		return IndicatorDomain
	case strings.HasPrefix(path, "url"):
		return IndicatorURL
	case strings.HasPrefix(path, "file:hashes"):
		return IndicatorHash
	case strings.HasPrefix(path, "file:name"):
		return IndicatorFile
	case strings.HasPrefix(path, "email-addr") || strings.HasPrefix(path, "email-message"):
		return IndicatorEmail
	case strings.HasPrefix(path, "windows-registry-key"):
		return IndicatorRegistry
	case strings.HasPrefix(path, "mutex"):
		return IndicatorMutex
	case strings.HasPrefix(path, "autonomous-system"):
		return IndicatorASN
	default:
		return IndicatorUnknown
	}
}

func firstLabel(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}
