package util

import (
	"regexp"
	"strings"
)

var (
	controlChars   = regexp.MustCompile(`[\x00-\x1F\x7F]+`)
	keyUnsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// SanitizeKey maps every character outside [A-Za-z0-9_-] to '_' so that a
// caller-supplied value cannot escape its key namespace (e.g. by injecting ':').
func SanitizeKey(s string) string {
	if s == "" {
		return "_"
	}
	return keyUnsafeChars.ReplaceAllString(s, "_")
}
