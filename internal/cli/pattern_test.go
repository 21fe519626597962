package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPattern(t *testing.T) {
	titles := []string{"Mail", "Mail (work)", "Bank", "Bank (joint)", "VPN"}

	tests := []struct {
		name     string
		pattern  string
		expected []string
		wantErr  bool
	}{
		{name: "exact match", pattern: "VPN", expected: []string{"VPN"}},
		{name: "wildcard prefix", pattern: "Bank*", expected: []string{"Bank", "Bank (joint)"}},
		{name: "wildcard suffix", pattern: "*)", expected: []string{"Mail (work)", "Bank (joint)"}},
		{name: "question mark", pattern: "?PN", expected: []string{"VPN"}},
		{name: "match all", pattern: "*", expected: titles},
		{name: "no match glob", pattern: "Shop*", wantErr: true},
		{name: "no match exact", pattern: "Shop", wantErr: true},
		{name: "invalid pattern", pattern: "[invalid", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ExpandPattern(tc.pattern, titles)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestValidatePatterns(t *testing.T) {
	assert.NoError(t, ValidatePatterns(nil))
	assert.NoError(t, ValidatePatterns([]string{"com.example.*", "org.vaultfill"}))
	assert.Error(t, ValidatePatterns([]string{"com.example.*", "[bad"}))
	assert.Error(t, ValidatePatterns([]string{" "}))
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"com.vaultfill.*", "org.example.browser", "[bad"}

	tests := []struct {
		pkg  string
		want bool
	}{
		{"com.vaultfill.app", true},
		{"com.vaultfill", false},
		{"org.example.browser", true},
		{"org.example.browser.beta", false},
		{"", false},
		{"[bad", false},
	}

	for _, tc := range tests {
		t.Run(tc.pkg, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchAny(patterns, tc.pkg))
		})
	}

	assert.False(t, MatchAny(nil, "anything"))
}
