// Package cli provides shared helpers for the vaultfill commands and
// configuration: glob matching for package filters and title lookups.
package cli

import (
	"fmt"
	"path"
	"strings"
)

// ExpandPattern expands a glob pattern against names.
// If the pattern contains glob characters (*?[), it performs glob matching.
// Otherwise, it performs exact matching. Matches keep the order of names.
func ExpandPattern(pattern string, names []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, name := range names {
			if name == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("'%s' not found", pattern)
	}

	var matches []string
	for _, name := range names {
		if ok, _ := path.Match(pattern, name); ok {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("nothing matches pattern '%s'", pattern)
	}
	return matches, nil
}

// ValidatePatterns reports the first malformed or empty pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("empty pattern")
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}
	return nil
}

// MatchAny reports whether name matches any of patterns. Malformed
// patterns never match.
func MatchAny(patterns []string, name string) bool {
	if name == "" {
		return false
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
