package internal

import (
	"regexp"
	"strings"
)

// Pattern rules evaluated in fixed order; first match wins so a hash is never
// mistaken for a domain and an email never for a URL.
var (
	reIPv4   = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	reHex    = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	reEmail  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	reDomain = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	reASN    = regexp.MustCompile(`^(?i:AS)\d+$`)
)

var fileExtensions = []string{
	".exe", ".dll", ".sys", ".bat", ".ps1", ".vbs", ".js", ".jar",
	".doc", ".docx", ".xls", ".xlsx", ".pdf", ".zip", ".rar", ".7z",
}

var registryHives = []string{
	"hkey_local_machine\\", "hkey_current_user\\", "hkey_classes_root\\",
	"hkey_users\\", "hklm\\", "hkcu\\", "hkcr\\", "hku\\",
}

// DetectType classifies a trimmed string as an indicator type. Pure function;
// returns IndicatorUnknown when no rule matches.
func DetectType(value string) IndicatorType {
	v := strings.TrimSpace(value)
	if v == "" {
		return IndicatorUnknown
	}
	if m := reIPv4.FindStringSubmatch(v); m != nil && octetsValid(m[1:]) {
		return IndicatorIP
	}
	if l := len(v); (l == 32 || l == 40 || l == 64) && reHex.MatchString(v) {
		return IndicatorHash
	}
	if reEmail.MatchString(v) {
		return IndicatorEmail
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ftp://") {
		return IndicatorURL
	}
	if reASN.MatchString(v) {
		return IndicatorASN
	}
	if reDomain.MatchString(v) && !looksLikeFilename(lower) {
		return IndicatorDomain
	}
	if looksLikeFilename(lower) {
		return IndicatorFile
	}
	for _, hive := range registryHives {
		if strings.HasPrefix(lower, hive) {
			return IndicatorRegistry
		}
	}
	if strings.HasPrefix(lower, "global\\") || strings.HasPrefix(lower, "local\\") || strings.HasPrefix(lower, "session\\") {
		return IndicatorMutex
	}
	return IndicatorUnknown
}

func octetsValid(octets []string) bool {
	for _, o := range octets {
		if len(o) > 1 && o[0] == '0' {
			return false
		}
		n := 0
		for _, c := range o {
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

func looksLikeFilename(lower string) bool {
	for _, ext := range fileExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
