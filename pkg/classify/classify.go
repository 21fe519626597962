// Package classify locates the username and password fields of a form.
//
// Form structure arrives as a forest of nodes (one root per window). Each
// text-capable node is scored against a small fixed vocabulary drawn from its
// autofill hints, placeholder text and resource id. The first node found for
// each role, in depth-first pre-order, is selected.
package classify

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Role is the kind of credential a field accepts.
type Role int

const (
	// Username covers user names, logins and email addresses.
	Username Role = iota
	// Password covers password and passcode entries.
	Password
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case Username:
		return "username"
	case Password:
		return "password"
	default:
		return "unknown"
	}
}

// Roles lists every role in response order.
var Roles = []Role{Username, Password}

// Checked in order; the first list with a hit decides the role.
var (
	passwordHints = []string{"password", "pass"}
	usernameHints = []string{"user", "email", "login"}
)

// Result maps each role to at most one field id. The zero value is empty.
type Result struct {
	ids [2]string
}

// Get returns the field id bound to role.
func (r Result) Get(role Role) (string, bool) {
	if role < Username || role > Password {
		return "", false
	}
	id := r.ids[role]
	return id, id != ""
}

// Empty reports whether no role was bound.
func (r Result) Empty() bool {
	return r.ids[Username] == "" && r.ids[Password] == ""
}

// FieldIDs returns the bound field ids, username first.
func (r Result) FieldIDs() []string {
	var ids []string
	for _, role := range Roles {
		if id, ok := r.Get(role); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Map returns the bindings keyed by role name.
func (r Result) Map() map[string]string {
	m := make(map[string]string, 2)
	for _, role := range Roles {
		if id, ok := r.Get(role); ok {
			m[role.String()] = id
		}
	}
	return m
}

// Classify walks roots in order and binds the first matching node per role.
//
// Children are always visited, even below a node that matched: a container
// labelled "password" can still hold the real password leaf.
func Classify(roots []Node) Result {
	var res Result

	// Explicit stack keeps very deep trees off the goroutine stack.
	stack := make([]Node, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isNil(n) {
			continue
		}

		if role, ok := classifyNode(n); ok && n.FieldID() != "" && res.ids[role] == "" {
			res.ids[role] = n.FieldID()
		}

		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return res
}

// classifyNode applies the hint rules to a single node.
func classifyNode(n Node) (Role, bool) {
	if n.AutofillType() != TypeText {
		return 0, false
	}

	hints := candidateHints(n)
	if containsAny(hints, passwordHints) {
		return Password, true
	}
	if containsAny(hints, usernameHints) {
		return Username, true
	}
	return 0, false
}

// candidateHints is the lower-cased union of declared hints, hint text and
// id entry. Blank hint text and id entries are left out.
func candidateHints(n Node) []string {
	declared := n.Hints()
	hints := make([]string, 0, len(declared)+2)
	for _, h := range declared {
		hints = append(hints, normalize(h))
	}
	for _, extra := range []string{n.HintText(), n.IDEntry()} {
		if strings.TrimSpace(extra) != "" {
			hints = append(hints, normalize(extra))
		}
	}
	return hints
}

// normalize folds compatibility forms (full-width letters and the like)
// before lower-casing.
func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func containsAny(hints, needles []string) bool {
	for _, h := range hints {
		for _, needle := range needles {
			if strings.Contains(h, needle) {
				return true
			}
		}
	}
	return false
}
