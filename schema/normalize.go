package schema

import (
	"strings"
	"unicode"
)

// NormalizeSourceName validates and normalizes a source name.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-'.
func NormalizeSourceName(name string) (SourceName, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrInvalidSource
	}
	for _, r := range trimmed {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidSource
	}
	return SourceName(trimmed), nil
}

// ValidateIdentifier ensures a SQL identifier matches [A-Za-z_][A-Za-z0-9_]*.
func ValidateIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
