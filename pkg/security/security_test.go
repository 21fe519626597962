package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/vaultfill/pkg/vault"
)

func TestPasswordStrength_String(t *testing.T) {
	tests := []struct {
		strength PasswordStrength
		want     string
	}{
		{PasswordWeak, "Weak"},
		{PasswordFair, "Fair"},
		{PasswordGood, "Good"},
		{PasswordStrong, "Strong"},
		{PasswordStrength(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.strength.String())
	}
}

func TestPasswordStrength_Points(t *testing.T) {
	assert.Equal(t, 0, PasswordWeak.Points())
	assert.Equal(t, 16, PasswordFair.Points())
	assert.Equal(t, 34, PasswordGood.Points())
	assert.Equal(t, MaxComponentScore, PasswordStrong.Points())
	assert.Equal(t, 0, PasswordStrength(99).Points())
}

func TestStrength(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  PasswordStrength
	}{
		{"empty", "", PasswordWeak},
		{"7 chars", "1234567", PasswordWeak},
		{"8 chars", "12345678", PasswordFair},
		{"13 chars", "1234567890abc", PasswordFair},
		{"14 chars", "1234567890abcd", PasswordGood},
		{"19 chars", "1234567890abcdefghi", PasswordGood},
		{"20 chars", "1234567890abcdefghij", PasswordStrong},
		// Runes, not bytes: 7 multi-byte characters are still weak.
		{"7 runes", "ééééééé", PasswordWeak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Strength(tt.value))
		})
	}
}

func TestAnalyze_Empty(t *testing.T) {
	r, err := Analyze(nil, true)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Overall)
	assert.Empty(t, r.Issues)
	assert.Empty(t, r.Suggestions)

	r, err = Analyze([]vault.Credential{{Title: "No password", Username: "u"}}, true)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Overall)
}

func TestAnalyze_AllStrongAndUnique(t *testing.T) {
	r, err := Analyze([]vault.Credential{
		{Title: "Mail", Password: "correct horse battery staple"},
		{Title: "Bank", Password: "another long passphrase here"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Overall)
	assert.Empty(t, r.Issues)
}

func TestAnalyze_WeakAndDuplicates(t *testing.T) {
	creds := []vault.Credential{
		{Title: "Mail", Password: "hunter2"},
		{Title: "Shop", Password: "hunter2"},
		{Title: "Forum", Password: "hunter2"},
		{Title: "Bank", Password: "correct horse battery staple"},
	}

	r, err := Analyze(creds, true)
	require.NoError(t, err)

	// Strength: three weak (0) and one strong (50) average to 12.
	assert.Equal(t, 12, r.Components.StrengthScore)
	// Uniqueness: two distinct passwords out of four.
	assert.Equal(t, 25, r.Components.UniquenessScore)
	assert.Equal(t, 37, r.Overall)

	var weak, dup []SecurityIssue
	for _, i := range r.Issues {
		switch i.Type {
		case IssueWeakPassword:
			weak = append(weak, i)
		case IssueDuplicatePassword:
			dup = append(dup, i)
		}
	}
	require.Len(t, weak, 3)
	assert.Equal(t, "Mail", weak[0].Title)
	assert.Equal(t, "Password has insufficient strength (7 characters)", weak[0].Description)
	require.Len(t, dup, 1)
	assert.Equal(t, []string{"Mail", "Shop", "Forum"}, dup[0].Titles)
	assert.Len(t, r.Suggestions, 2)
}

func TestAnalyze_HidesTitles(t *testing.T) {
	r, err := Analyze([]vault.Credential{
		{Title: "Mail", Password: "pw"},
		{Title: "Shop", Password: "pw"},
	}, false)
	require.NoError(t, err)
	require.NotEmpty(t, r.Issues)
	for _, i := range r.Issues {
		assert.Empty(t, i.Title)
		assert.Empty(t, i.Titles)
	}
}

func TestFormatLength(t *testing.T) {
	assert.Equal(t, "1 character", formatLength("a"))
	assert.Equal(t, "0 characters", formatLength(""))
	assert.Equal(t, "3 characters", formatLength("äöü"))
}
