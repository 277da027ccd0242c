package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseKey parses a "column=value" seek expression. Integral values become
// int64 so they compare against integer key columns.
func ParseKey(value string) (Row, error) {
	name, raw, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || !ValidateIdentifier(name) {
		return nil, fmt.Errorf("key must be column=value, got %q", value)
	}
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Row{name: n}, nil
	}
	return Row{name: raw}, nil
}
