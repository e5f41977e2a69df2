// Package privacy provides masking helpers for logging patient-identifying
// values. Log records must never carry raw patient names, identifiers or
// birth dates, and UIDs are reduced to a prefix/suffix view.
package privacy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maskedFieldMarkers are substrings of field names whose values are always
// fully masked in logs.
var maskedFieldMarkers = []string{"name", "id", "birth", "address", "phone"}

// MaskValue masks a sensitive value for logging based on its field name.
// Patient-identifying fields are fully masked, UIDs are truncated to a
// prefix/suffix view and everything else passes through unchanged.
func MaskValue(fieldName, value string) string {
	if value == "" {
		return "***EMPTY***"
	}

	lower := strings.ToLower(fieldName)

	if strings.Contains(lower, "uid") {
		return TruncateUID(value)
	}

	for _, marker := range maskedFieldMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Sprintf("***%s_MASKED***", strings.ToUpper(fieldName))
		}
	}

	return value
}

// TruncateUID reduces a UID to its first and last four characters so log
// lines remain correlatable without exposing the full identifier.
func TruncateUID(uid string) string {
	if len(uid) <= 8 {
		return uid
	}
	return uid[:4] + "..." + uid[len(uid)-4:]
}

// MaskPath strips the directory portion of a file path; series root paths
// frequently embed patient names.
func MaskPath(path string) string {
	if path == "" {
		return "***EMPTY***"
	}
	return filepath.Base(path)
}
