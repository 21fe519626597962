package vault

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

// Writer adds and removes credentials. It is used by the CLI to populate a
// vault; the fill pipeline only ever reads.
type Writer struct {
	path string
	db   *sql.DB
	log  *zap.Logger
}

// OpenWriter opens the vault at path for writing, creating the file, its
// parent directory and the schema when they do not exist yet.
func OpenWriter(path string, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	// Configure SQLite for single-connection mode to avoid "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout=5000", createSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("vault: failed to prepare database: %w", err)
		}
	}

	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to set database permissions: %w", err)
	}

	return &Writer{path: path, db: db, log: o.log}, nil
}

// Add seals the credential's fields under key and stores them as a new row.
func (w *Writer) Add(ctx context.Context, key []byte, c Credential) (int64, error) {
	if err := validateCredential(c); err != nil {
		return 0, err
	}

	sealed := make([]string, 0, 3)
	for _, v := range []string{c.Title, c.Username, c.Password} {
		text, err := crypto.SealEnvelope(key, v)
		if err != nil {
			return 0, fmt.Errorf("vault: failed to encrypt credential: %w", err)
		}
		sealed = append(sealed, text)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO credentials (title, username, password) VALUES (?, ?, ?)",
		sealed[0], sealed[1], sealed[2])
	if err != nil {
		return 0, fmt.Errorf("vault: failed to save credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("vault: failed to read row id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	w.log.Debug("credential added", zap.Int64("row", id))
	return id, nil
}

// Delete removes the credential with the given row id.
func (w *Writer) Delete(ctx context.Context, id int64) error {
	res, err := w.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("vault: failed to delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Count returns the number of stored rows without decrypting them.
func (w *Writer) Count(ctx context.Context) (int, error) {
	var n int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
		return 0, fmt.Errorf("vault: failed to count credentials: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}
