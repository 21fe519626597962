// Package authgate wraps the device authentication challenge that guards
// every vault read.
//
// A Gate answers one question per fill request: did the person at the device
// just prove they may unlock it? The answer is never cached.
package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Result is the outcome of a challenge.
type Result int

const (
	// Denied means the user declined or dismissed the prompt.
	Denied Result = iota
	// Granted means the user authenticated.
	Granted
	// Unavailable means the device has no secure lock to challenge with.
	Unavailable
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Allowed reports whether r permits access. Only Granted does.
func (r Result) Allowed() bool {
	return r == Granted
}

// Gate issues a device authentication challenge and blocks until the
// authenticator resolves it. Cancellation belongs to the authenticator; a
// cancelled context resolves as Denied. Callers name the requesting package
// with WithRequester.
type Gate interface {
	Challenge(ctx context.Context) (Result, error)
}

type requesterKey struct{}

// WithRequester names the package asking for credentials so the prompt can
// show it.
func WithRequester(ctx context.Context, pkg string) context.Context {
	return context.WithValue(ctx, requesterKey{}, pkg)
}

// Requester returns the package set by WithRequester.
func Requester(ctx context.Context) string {
	pkg, _ := ctx.Value(requesterKey{}).(string)
	return pkg
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) (Result, error)

// Challenge implements Gate.
func (f GateFunc) Challenge(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Deny is a Gate for hosts without any authenticator.
var Deny Gate = GateFunc(func(context.Context) (Result, error) {
	return Unavailable, nil
})

// Sentinel errors
var (
	ErrUnknownMode     = errors.New("authgate: unknown mode")
	ErrInvalidVerifier = errors.New("authgate: invalid passphrase verifier")
)

// Mode names accepted by New.
const (
	ModeTerminal = "terminal"
	ModeDeny     = "deny"
)

// New builds the Gate named by mode.
func New(mode string, verifier *Verifier, opts ...TerminalOption) (Gate, error) {
	switch mode {
	case "", ModeTerminal:
		return NewTerminal(verifier, opts...), nil
	case ModeDeny:
		return Deny, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
