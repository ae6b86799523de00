package internal

import (
	"regexp"
	"strings"
)

// Transformation names reported by Normalize, in application order.
const (
	transformLowercase   = "lowercase"
	transformTrim        = "trim"
	transformStripScheme = "strip_scheme"
	transformStripSlash  = "strip_trailing_slash"
	transformAddScheme   = "add_default_scheme"
	transformStripNonHex = "strip_non_hex"
)

var reNonHex = regexp.MustCompile(`[^a-f0-9]`)

// Normalize canonicalizes an indicator value for its type and validates the
// result against the type's shape. The sequence is fixed: lowercase, trim,
// then the type-specific rule. A value that fails validation afterwards is
// dropped by the caller; it is never auto-corrected further. Normalize is
// idempotent: applying it to its own output changes nothing.
func Normalize(value string, typ IndicatorType) (normalized string, valid bool, transforms []string) {
	v := strings.ToLower(value)
	if v != value {
		transforms = append(transforms, transformLowercase)
	}
	t := strings.TrimSpace(v)
	if t != v {
		transforms = append(transforms, transformTrim)
	}
	v = t

	switch typ {
	case IndicatorDomain:
		for _, scheme := range []string{"http://", "https://", "ftp://"} {
			if strings.HasPrefix(v, scheme) {
				v = strings.TrimPrefix(v, scheme)
				transforms = append(transforms, transformStripScheme)
				break
			}
		}
		if strings.HasSuffix(v, "/") {
			v = strings.TrimRight(v, "/")
			transforms = append(transforms, transformStripSlash)
		}
	case IndicatorURL:
		if !strings.Contains(v, "://") {
			v = "http://" + v
			transforms = append(transforms, transformAddScheme)
		}
	case IndicatorHash:
		stripped := reNonHex.ReplaceAllString(v, "")
		if stripped != v {
			v = stripped
			transforms = append(transforms, transformStripNonHex)
		}
	}

	return v, validShape(v, typ), transforms
}

// validShape checks a normalized value against its type-specific grammar.
func validShape(v string, typ IndicatorType) bool {
	if v == "" {
		return false
	}
	switch typ {
	case IndicatorIP:
		m := reIPv4.FindStringSubmatch(v)
		return m != nil && octetsValid(m[1:])
	case IndicatorDomain:
		return reDomain.MatchString(v)
	case IndicatorURL:
		return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "ftp://")
	case IndicatorHash:
		l := len(v)
		return (l == 32 || l == 40 || l == 64) && reHex.MatchString(v)
	case IndicatorEmail:
		at := strings.Count(v, "@")
		if at != 1 {
			return false
		}
		parts := strings.SplitN(v, "@", 2)
		return parts[0] != "" && parts[1] != "" && strings.Contains(parts[1], ".")
	case IndicatorASN:
		return reASN.MatchString(v)
	case IndicatorFile, IndicatorRegistry, IndicatorMutex:
		return true
	default:
		// unknown survives only when the owning feed opts to keep opaque values
		return false
	}
}

// NormalizeBatch runs the normalizer over a draft batch, dropping invalid
// records and counting them into the result. Unknown-typed drafts survive only
// when keepUnknown is set for the feed.
func NormalizeBatch(drafts []FeedIndicator, keepUnknown bool) (kept []FeedIndicator, invalid int, errs []ParseError) {
	for _, d := range drafts {
		if d.Type == IndicatorUnknown {
			if keepUnknown {
				d.Normalized = strings.ToLower(strings.TrimSpace(d.Value))
				kept = append(kept, d)
				continue
			}
			invalid++
			errs = append(errs, ParseError{
				Severity: SeverityWarning,
				Message:  "discarded unclassifiable value " + truncate(d.Value, 64),
			})
			continue
		}
		norm, ok, _ := Normalize(d.Value, d.Type)
		if !ok {
			invalid++
			errs = append(errs, ParseError{
				Severity: SeverityError,
				Message:  "value " + truncate(d.Value, 64) + " failed " + string(d.Type) + " validation",
			})
			continue
		}
		d.Normalized = norm
		kept = append(kept, d)
	}
	return kept, invalid, errs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
