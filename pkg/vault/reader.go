package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

// Handle is an open read-only view of a vault file.
type Handle struct {
	path string
	db   *sql.DB
	log  *zap.Logger
}

// Open opens the vault at path for reading.
// A missing file yields ErrVaultNotFound, which callers treat as "no data".
func Open(path string, opts ...Option) (*Handle, error) {
	o := buildOptions(opts)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			o.log.Debug("vault file absent", zap.String("path", path))
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to stat vault file: %w", err)
	}
	if info.IsDir() {
		return nil, ErrVaultPathIsDir
	}
	checkPermissions(o.log, path, info)

	dsn, err := readOnlyDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	// A single connection keeps the handle's lifetime equal to one file handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	return &Handle{path: path, db: db, log: o.log}, nil
}

// ReadAll decrypts every credential row with key.
//
// A row with any column that fails to decrypt is dropped and the enumeration
// continues. An empty or schema-less vault yields an empty slice. The caller
// keeps ownership of key.
func (h *Handle) ReadAll(ctx context.Context, key []byte) ([]Credential, error) {
	if h == nil || h.db == nil {
		return nil, ErrHandleClosed
	}
	if len(key) != crypto.KeyLength {
		return nil, crypto.ErrInvalidKeyLength
	}

	ok, err := tableExists(h.db)
	if err != nil {
		return nil, err
	}
	if !ok {
		h.log.Debug("vault has no credentials table", zap.String("path", h.path))
		return []Credential{}, nil
	}

	rows, err := h.db.QueryContext(ctx, "SELECT id, title, username, password FROM credentials ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to query credentials: %w", err)
	}
	defer rows.Close()

	creds := []Credential{}
	skipped := 0
	for rows.Next() {
		var id int64
		var title, username, password sql.NullString
		if err := rows.Scan(&id, &title, &username, &password); err != nil {
			return nil, fmt.Errorf("vault: failed to scan row: %w", err)
		}

		cred, err := decryptRow(id, key, title, username, password)
		if err != nil {
			skipped++
			h.log.Warn("dropping undecryptable credential",
				zap.Int64("row", id), zap.Error(err))
			continue
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: error iterating rows: %w", err)
	}

	h.log.Debug("vault read complete",
		zap.Int("records", len(creds)), zap.Int("skipped", skipped))
	return creds, nil
}

// Close releases the underlying database handle. It is safe to call twice.
func (h *Handle) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	if err != nil {
		return fmt.Errorf("vault: failed to close database: %w", err)
	}
	return nil
}

// decryptRow opens the three columns independently. A NULL column reads as
// an empty envelope.
func decryptRow(id int64, key []byte, title, username, password sql.NullString) (Credential, error) {
	cred := Credential{ID: id}
	fields := []struct {
		name string
		src  sql.NullString
		dst  *string
	}{
		{"title", title, &cred.Title},
		{"username", username, &cred.Username},
		{"password", password, &cred.Password},
	}
	for _, f := range fields {
		if !f.src.Valid {
			continue
		}
		plain, err := crypto.DecryptEnvelope(f.src.String, key)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: column %s: %w", ErrInvalidVaultRowData, f.name, err)
		}
		*f.dst = plain
	}
	return cred, nil
}

// ReadAll opens the vault at path, reads every credential and closes it
// again within one call. It takes ownership of key: the bytes are locked in
// memory for the duration of the read and zeroed before returning.
// A missing vault file yields an empty slice.
func ReadAll(ctx context.Context, path string, key []byte, opts ...Option) ([]Credential, error) {
	crypto.LockMemory(key)
	defer func() {
		crypto.SecureWipe(key)
		crypto.UnlockMemory(key)
	}()

	h, err := Open(path, opts...)
	if err != nil {
		if errors.Is(err, ErrVaultNotFound) {
			return []Credential{}, nil
		}
		return nil, err
	}
	defer h.Close()

	return h.ReadAll(ctx, key)
}
