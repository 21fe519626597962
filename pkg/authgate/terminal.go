package authgate

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

const saltLength = 16

// Verifier checks a device passphrase against an Argon2id hash.
type Verifier struct {
	Salt []byte
	Hash []byte
}

// NewVerifier hashes passphrase under a fresh random salt.
func NewVerifier(passphrase []byte) (*Verifier, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("authgate: failed to generate salt: %w", err)
	}
	return &Verifier{Salt: salt, Hash: crypto.DeriveKey(passphrase, salt)}, nil
}

// ParseVerifier decodes base64 salt and hash as stored in configuration.
// Both empty means no verifier is configured and returns nil.
func ParseVerifier(salt, hash string) (*Verifier, error) {
	if salt == "" && hash == "" {
		return nil, nil
	}
	s, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(s) < saltLength {
		return nil, fmt.Errorf("%w: bad salt", ErrInvalidVerifier)
	}
	h, err := base64.StdEncoding.DecodeString(hash)
	if err != nil || len(h) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: bad hash", ErrInvalidVerifier)
	}
	return &Verifier{Salt: s, Hash: h}, nil
}

// Encode returns base64 salt and hash for storage.
func (v *Verifier) Encode() (salt, hash string) {
	return base64.StdEncoding.EncodeToString(v.Salt), base64.StdEncoding.EncodeToString(v.Hash)
}

// Verify reports whether passphrase matches.
func (v *Verifier) Verify(passphrase []byte) bool {
	derived := crypto.DeriveKey(passphrase, v.Salt)
	defer crypto.SecureWipe(derived)
	return constantTimeEqual(derived, v.Hash)
}

// Terminal challenges the user on the controlling terminal. Without a
// terminal the device counts as having no secure lock.
//
// Challenges run one at a time. A single reader goroutine owns the input for
// the Terminal's lifetime and hands each line to the challenge waiting for
// it; input that arrives while no challenge waits is discarded.
type Terminal struct {
	verifier     *Verifier
	fd           int
	in           io.Reader
	out          io.Writer
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)

	turn    chan struct{}
	startRd sync.Once
	lines   *bufio.Reader
	mu      sync.Mutex
	waiter  chan input
	readErr error
}

// TerminalOption configures a Terminal gate.
type TerminalOption func(*Terminal)

// WithIO sets the prompt streams and terminal descriptor.
func WithIO(fd int, in io.Reader, out io.Writer) TerminalOption {
	return func(t *Terminal) {
		t.fd, t.in, t.out = fd, in, out
	}
}

// withTerminal replaces terminal detection and hidden input, for tests.
func withTerminal(isTerminal func(int) bool, readPassword func(int) ([]byte, error)) TerminalOption {
	return func(t *Terminal) {
		t.isTerminal, t.readPassword = isTerminal, readPassword
	}
}

// NewTerminal builds a Terminal gate. With a verifier the user must type the
// device passphrase; without one a y/N confirmation suffices.
func NewTerminal(verifier *Verifier, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		verifier:     verifier,
		fd:           int(os.Stdin.Fd()),
		in:           os.Stdin,
		out:          os.Stderr,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
		turn:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lines = bufio.NewReader(t.in)
	return t
}

type input struct {
	data []byte
	err  error
}

// Challenge implements Gate. Concurrent callers queue; a caller whose
// context ends while queued or prompting resolves as Denied.
func (t *Terminal) Challenge(ctx context.Context) (Result, error) {
	if !t.isTerminal(t.fd) {
		return Unavailable, nil
	}

	select {
	case t.turn <- struct{}{}:
	case <-ctx.Done():
		return Denied, nil
	}
	defer func() { <-t.turn }()

	ch := make(chan input, 1)
	t.mu.Lock()
	if err := t.readErr; err != nil {
		t.mu.Unlock()
		return readFailed(err)
	}
	t.waiter = ch
	t.mu.Unlock()

	t.printPrompt(Requester(ctx))
	t.startRd.Do(func() { go t.readLoop() })

	select {
	case <-ctx.Done():
		t.mu.Lock()
		if t.waiter == ch {
			t.waiter = nil
		}
		t.mu.Unlock()
		select {
		case in := <-ch:
			crypto.SecureWipe(in.data)
		default:
		}
		fmt.Fprintln(t.out)
		return Denied, nil
	case in := <-ch:
		defer crypto.SecureWipe(in.data)
		if t.verifier != nil {
			fmt.Fprintln(t.out)
		}
		if in.err != nil && !errors.Is(in.err, io.EOF) {
			return readFailed(in.err)
		}
		return t.evaluate(in.data), nil
	}
}

func readFailed(err error) (Result, error) {
	if errors.Is(err, io.EOF) {
		return Denied, nil
	}
	return Denied, fmt.Errorf("authgate: failed to read answer: %w", err)
}

func (t *Terminal) printPrompt(pkg string) {
	if t.verifier != nil {
		if pkg != "" {
			fmt.Fprintf(t.out, "Unlock vaultfill for %q: enter device passphrase: ", pkg)
			return
		}
		fmt.Fprint(t.out, "Unlock vaultfill: enter device passphrase: ")
		return
	}
	if pkg != "" {
		fmt.Fprintf(t.out, "Allow vaultfill to fill saved credentials into %q? [y/N]: ", pkg)
		return
	}
	fmt.Fprint(t.out, "Allow vaultfill to fill saved credentials? [y/N]: ")
}

func (t *Terminal) evaluate(answer []byte) Result {
	if t.verifier != nil {
		if t.verifier.Verify(answer) {
			return Granted
		}
		return Denied
	}
	switch strings.ToLower(strings.TrimSpace(string(answer))) {
	case "y", "yes":
		return Granted
	default:
		return Denied
	}
}

// readLoop reads one answer at a time until the input fails. Each answer
// goes to the registered waiter, if any.
func (t *Terminal) readLoop() {
	for {
		data, err := t.readAnswer()

		t.mu.Lock()
		if err != nil {
			t.readErr = err
		}
		w := t.waiter
		t.waiter = nil
		t.mu.Unlock()

		if w != nil {
			w <- input{data: data, err: err}
		} else {
			crypto.SecureWipe(data)
		}
		if err != nil {
			return
		}
	}
}

func (t *Terminal) readAnswer() ([]byte, error) {
	if t.verifier != nil {
		return t.readPassword(t.fd)
	}
	line, err := t.lines.ReadString('\n')
	return []byte(line), err
}
