// Package keystore supplies the vault master key from protected storage.
//
// The fill pipeline asks for the key once per request, after the device
// authentication challenge succeeded, and hands the bytes to the vault
// reader which wipes them when done. Nothing here caches key material.
package keystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

// KeyFileName is the default key file name inside the data directory.
const KeyFileName = "master.key"

// maxKeyFileSize bounds how much of a key file is read.
const maxKeyFileSize = 4096

var (
	// ErrKeyAbsent means no master key is available. Callers treat it as
	// "nothing to offer", not as a failure.
	ErrKeyAbsent = errors.New("keystore: master key not available")

	// ErrKeyInsecure is returned when the key file has group/other permissions.
	ErrKeyInsecure = errors.New("keystore: key file has insecure permissions")

	// ErrKeySymlink is returned when the key file is a symlink.
	ErrKeySymlink = errors.New("keystore: key file is a symlink")

	// ErrKeyNotOwnedByUser is returned when the key file belongs to another user.
	ErrKeyNotOwnedByUser = errors.New("keystore: key file not owned by current user")

	// ErrKeyMalformed is returned when the key file does not hold a base64 256-bit key.
	ErrKeyMalformed = errors.New("keystore: key file is malformed")

	// ErrKeyExists is returned by Create when a key file is already present.
	ErrKeyExists = errors.New("keystore: key file already exists")
)

// Provider yields the raw master key. The returned slice belongs to the
// caller, who must wipe it after use.
type Provider interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) ([]byte, error)

// MasterKey implements Provider.
func (f ProviderFunc) MasterKey(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// File reads a base64-encoded key from a file that only the current user
// can access.
type File struct {
	Path string
}

// NewFile returns a File provider for path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// MasterKey implements Provider. A missing file yields ErrKeyAbsent.
// Checks are done on the opened descriptor to avoid TOCTOU races.
func (f *File) MasterKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Open without following symlinks
	fh, err := openKeyFile(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	// 2. fstat the descriptor we actually read from
	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to stat key file: %w", err)
	}

	// 3. Permissions must not grant group/other access
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrKeyInsecure, perm)
	}

	// 4. Ownership must be the current user
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	// 5. Read and decode
	raw, err := io.ReadAll(io.LimitReader(fh, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to read key file: %w", err)
	}
	defer crypto.SecureWipe(raw)

	return decodeKey(bytes.TrimSpace(raw))
}

func decodeKey(text []byte) ([]byte, error) {
	key := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(key, text)
	if err != nil || n != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrKeyMalformed
	}
	return key[:n], nil
}

// Create writes a fresh random master key to path with 0600 permissions.
// It never overwrites an existing key.
func Create(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keystore: failed to create key directory: %w", err)
	}

	key := make([]byte, crypto.KeyLength)
	defer crypto.SecureWipe(key)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("keystore: failed to generate key: %w", err)
	}

	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("keystore: failed to create key file: %w", err)
	}
	defer fh.Close()

	text := make([]byte, base64.StdEncoding.EncodedLen(len(key)))
	defer crypto.SecureWipe(text)
	base64.StdEncoding.Encode(text, key)
	if _, err := fh.Write(append(text, '\n')); err != nil {
		return fmt.Errorf("keystore: failed to write key file: %w", err)
	}
	return nil
}
