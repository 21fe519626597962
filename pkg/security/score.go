package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/forest6511/vaultfill/pkg/vault"
)

// MaxComponentScore is the best score of each component; Overall is the sum.
const MaxComponentScore = 50

// Report is the security assessment of a set of credentials.
type Report struct {
	// Overall is the total score (0-100).
	Overall     int             `json:"overall"`
	Components  ScoreComponents `json:"components"`
	Issues      []SecurityIssue `json:"issues"`
	Suggestions []string        `json:"suggestions"`
}

// ScoreComponents breaks down the security score into categories.
type ScoreComponents struct {
	StrengthScore   int `json:"strength"`
	UniquenessScore int `json:"uniqueness"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	IssueWeakPassword      IssueType = "weak"
	IssueDuplicatePassword IssueType = "duplicate"
)

// SecurityIssue represents a detected security problem. Titles are only
// filled when the caller asks for them.
type SecurityIssue struct {
	Type        IssueType `json:"type"`
	Title       string    `json:"title,omitempty"`
	Titles      []string  `json:"titles,omitempty"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Analyze scores creds. Passwords are compared through an HMAC under a
// key that lives only for this call.
func Analyze(creds []vault.Credential, includeTitles bool) (*Report, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: failed to generate comparison key: %w", err)
	}

	var withPassword []vault.Credential
	for _, c := range creds {
		if c.Password != "" {
			withPassword = append(withPassword, c)
		}
	}

	// No passwords: full score (N/A)
	if len(withPassword) == 0 {
		return &Report{
			Overall:     2 * MaxComponentScore,
			Components:  ScoreComponents{StrengthScore: MaxComponentScore, UniquenessScore: MaxComponentScore},
			Issues:      []SecurityIssue{},
			Suggestions: []string{},
		}, nil
	}

	strengthScore, weak := strengthComponent(withPassword, includeTitles)
	uniquenessScore, dups := uniquenessComponent(withPassword, key, includeTitles)

	issues := make([]SecurityIssue, 0, len(weak)+len(dups))
	issues = append(issues, weak...)
	issues = append(issues, dups...)

	return &Report{
		Overall:     strengthScore + uniquenessScore,
		Components:  ScoreComponents{StrengthScore: strengthScore, UniquenessScore: uniquenessScore},
		Issues:      issues,
		Suggestions: suggestions(issues),
	}, nil
}

// strengthComponent averages the strength points over every password.
func strengthComponent(creds []vault.Credential, includeTitles bool) (int, []SecurityIssue) {
	var issues []SecurityIssue
	total := 0
	for _, c := range creds {
		s := Strength(c.Password)
		total += s.Points()
		if s != PasswordWeak {
			continue
		}
		issue := SecurityIssue{
			Type:        IssueWeakPassword,
			Description: fmt.Sprintf("Password has insufficient strength (%s)", formatLength(c.Password)),
			Suggestion:  "Use a longer password (14+ characters recommended)",
		}
		if includeTitles {
			issue.Title = c.Title
		}
		issues = append(issues, issue)
	}
	return total / len(creds), issues
}

// uniquenessComponent scales the share of distinct passwords and reports
// every group that shares one, largest first.
func uniquenessComponent(creds []vault.Credential, key []byte, includeTitles bool) (int, []SecurityIssue) {
	groups := make(map[string][]string)
	var order []string
	for _, c := range creds {
		h := valueHash(c.Password, key)
		if _, ok := groups[h]; !ok {
			order = append(order, h)
		}
		groups[h] = append(groups[h], c.Title)
	}

	var dups [][]string
	for _, h := range order {
		if len(groups[h]) > 1 {
			dups = append(dups, groups[h])
		}
	}
	sort.SliceStable(dups, func(i, j int) bool { return len(dups[i]) > len(dups[j]) })

	issues := make([]SecurityIssue, 0, len(dups))
	for _, titles := range dups {
		issue := SecurityIssue{
			Type:        IssueDuplicatePassword,
			Description: fmt.Sprintf("%d logins share the same password", len(titles)),
			Suggestion:  "Use unique passwords for each login",
		}
		if includeTitles {
			issue.Titles = titles
		}
		issues = append(issues, issue)
	}

	score := len(groups) * MaxComponentScore / len(creds)
	return score, issues
}

// valueHash computes HMAC-SHA256 of a trimmed password under key.
func valueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(h.Sum(nil))
}

func suggestions(issues []SecurityIssue) []string {
	var hasWeak, hasDuplicate bool
	for _, issue := range issues {
		switch issue.Type {
		case IssueWeakPassword:
			hasWeak = true
		case IssueDuplicatePassword:
			hasDuplicate = true
		}
	}

	out := []string{}
	if hasWeak {
		out = append(out, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if hasDuplicate {
		out = append(out, "Replace duplicate passwords with unique values")
	}
	return out
}

// formatLength returns a human-readable length description.
func formatLength(s string) string {
	if n := len([]rune(s)); n != 1 {
		return fmt.Sprintf("%d characters", n)
	}
	return "1 character"
}
