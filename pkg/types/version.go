package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion converts a dotted platform version ("8.0.35",
// "8.0.35-log", "15.0.4153.1") into a comparable number:
// major*10000 + minor*100 + patch. Components beyond patch are ignored and
// minor/patch are clamped to 99.
func ParseVersion(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty version")
	}
	// Drop vendor suffixes such as "-log" or "-MariaDB".
	if i := strings.IndexAny(s, "-+ "); i > 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	weights := []int{10000, 100, 1}
	total := 0
	for i, p := range parts {
		if i >= len(weights) {
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid version %q", s)
		}
		if i > 0 && n > 99 {
			n = 99
		}
		total += n * weights[i]
	}
	return total, nil
}

// FormatVersion is the inverse of ParseVersion for display.
func FormatVersion(v int) string {
	return fmt.Sprintf("%d.%d.%d", v/10000, v/100%100, v%100)
}
