// Package security scores the stored credentials: password strength and
// reuse across logins.
package security

import "unicode/utf8"

// PasswordStrength represents the strength level of a password.
type PasswordStrength int

const (
	// PasswordWeak indicates an insecure password (less than 8 characters).
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level, out of
// MaxComponentScore.
func (s PasswordStrength) Points() int {
	switch s {
	case PasswordFair:
		return 16
	case PasswordGood:
		return 34
	case PasswordStrong:
		return 50
	default:
		return 0
	}
}

// Strength rates a user-chosen password by length alone, following NIST
// SP 800-63B: no composition rules, 8 characters minimum.
func Strength(password string) PasswordStrength {
	switch n := utf8.RuneCountInString(password); {
	case n >= 20:
		return PasswordStrong
	case n >= 14:
		return PasswordGood
	case n >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}
