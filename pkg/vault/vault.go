// Package vault reads and writes the local encrypted credential store.
//
// The store is a SQLite file with a single credentials table whose title,
// username and password columns each hold an envelope produced by
// crypto.SealEnvelope. Plaintext never touches the file.
package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DBFileName = "vault.sqlite"
	FileMode   = 0600 // Owner read/write only
	DirMode    = 0700 // Owner read/write/execute only

	driverName = "sqlite"

	// Input validation limits
	MaxTitleLength = 256
	MaxValueSize   = 64 * 1024
)

// Errors
var (
	ErrVaultNotFound       = errors.New("vault: vault not found at this path")
	ErrCredentialNotFound  = errors.New("vault: credential not found")
	ErrTitleRequired       = errors.New("vault: credential title is required")
	ErrTitleTooLong        = errors.New("vault: credential title too long")
	ErrValueTooLarge       = errors.New("vault: value too large")
	ErrVaultPathIsDir      = errors.New("vault: vault path is a directory")
	ErrHandleClosed        = errors.New("vault: handle is closed")
	ErrInvalidVaultRowData = errors.New("vault: invalid row data")
)

const createSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         INTEGER PRIMARY KEY,
	title      TEXT,
	username   TEXT,
	password   TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Credential is one decrypted vault record. Values exist only for the
// lifetime of a single fill response.
type Credential struct {
	ID       int64
	Title    string
	Username string
	Password string
}

type options struct {
	log *zap.Logger
}

// Option configures a Handle or Writer.
type Option func(*options)

// WithLogger sets the logger used for diagnostics. Values are never logged.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DefaultPath returns the well-known vault location under dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, DBFileName)
}

// readOnlyDSN builds a SQLite URI that opens path without write access.
func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("vault: failed to resolve path: %w", err)
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "mode=ro&_pragma=busy_timeout(5000)",
	}
	return u.String(), nil
}

// checkPermissions warns when the vault file is readable by group or others.
// This is advisory only and does not block reads.
func checkPermissions(log *zap.Logger, path string, info os.FileInfo) {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		log.Warn("vault file has insecure permissions",
			zap.String("path", path),
			zap.String("mode", fmt.Sprintf("%04o", perm)),
			zap.String("expected", "0600"))
	}
}

// tableExists reports whether the credentials table is present.
func tableExists(db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'credentials'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: failed to inspect schema: %w", err)
	}
	return true, nil
}

func validateCredential(c Credential) error {
	if c.Title == "" {
		return ErrTitleRequired
	}
	if len(c.Title) > MaxTitleLength {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d",
			ErrTitleTooLong, len(c.Title), MaxTitleLength)
	}
	for _, v := range []string{c.Username, c.Password} {
		if len(v) > MaxValueSize {
			return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
				ErrValueTooLarge, len(v), MaxValueSize)
		}
	}
	return nil
}
