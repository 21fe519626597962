package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/crypto"
	"github.com/forest6511/vaultfill/pkg/vault"
)

// MaxArchiveSize caps how much Verify and Restore will read.
const MaxArchiveSize = 256 << 20

// Paths locates the files an archive carries.
type Paths struct {
	Vault     string
	MasterKey string
	AuditDir  string
}

// Options tunes Create and Restore.
type Options struct {
	// IncludeAudit copies the audit directory into the archive, or back out
	// of it on restore.
	IncludeAudit bool
	// Force lets Restore replace an existing vault.
	Force bool
	Log   *zap.Logger
	Now   func() time.Time
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// Create writes an encrypted archive of p to w.
func Create(ctx context.Context, w io.Writer, p Paths, passphrase []byte, opts *Options) (*Header, error) {
	if opts == nil {
		opts = &Options{}
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	payload, count, err := collect(ctx, p, opts.IncludeAudit)
	if err != nil {
		return nil, err
	}
	defer payload.wipe()

	kdf, err := newKDFParams()
	if err != nil {
		return nil, err
	}
	encKey, macKey, err := deriveKeys(passphrase, kdf)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	ciphertext, err := seal(encKey, plaintext)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	header := &Header{
		Version:         FormatVersion,
		CreatedAt:       now().UTC(),
		KDF:             kdf,
		CredentialCount: count,
		IncludesAudit:   len(payload.Audit) > 0,
	}

	var buf bytes.Buffer
	if err := writeHeader(&buf, header); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return nil, fmt.Errorf("failed to write ciphertext length: %w", err)
	}
	buf.Write(ciphertext)
	buf.Write(computeHMAC(macKey, buf.Bytes()))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	opts.logger().Info("backup created",
		zap.Int("credentials", count),
		zap.Bool("includes_audit", header.IncludesAudit),
		zap.Int("bytes", buf.Len()))
	return header, nil
}

func collect(ctx context.Context, p Paths, includeAudit bool) (*Payload, int, error) {
	if _, err := os.Stat(p.Vault); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrVaultNotFound
		}
		return nil, 0, fmt.Errorf("failed to stat vault: %w", err)
	}

	w, err := vault.OpenWriter(p.Vault)
	if err != nil {
		return nil, 0, err
	}
	count, err := w.Count(ctx)
	w.Close()
	if err != nil {
		return nil, 0, err
	}

	payload := &Payload{}
	if payload.Vault, err = os.ReadFile(p.Vault); err != nil {
		return nil, 0, fmt.Errorf("failed to read vault: %w", err)
	}
	if payload.MasterKey, err = os.ReadFile(p.MasterKey); err != nil {
		return nil, 0, fmt.Errorf("failed to read master key: %w", err)
	}

	if includeAudit && p.AuditDir != "" {
		entries, err := os.ReadDir(p.AuditDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("failed to read audit directory: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(p.AuditDir, e.Name()))
			if err != nil {
				return nil, 0, fmt.Errorf("failed to read audit file: %w", err)
			}
			if payload.Audit == nil {
				payload.Audit = make(map[string][]byte)
			}
			payload.Audit[e.Name()] = data
		}
	}
	return payload, count, nil
}

func (p *Payload) wipe() {
	crypto.SecureWipe(p.MasterKey)
	crypto.SecureWipe(p.Vault)
}

// Verify checks the archive's integrity under passphrase and returns its
// header.
func Verify(r io.Reader, passphrase []byte) (*Header, error) {
	h, payload, err := decode(r, passphrase)
	if err != nil {
		return nil, err
	}
	payload.wipe()
	return h, nil
}

func decode(r io.Reader, passphrase []byte) (*Header, *Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArchiveSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if len(data) > MaxArchiveSize {
		return nil, nil, fmt.Errorf("backup exceeds %d bytes", MaxArchiveSize)
	}

	rd := bytes.NewReader(data)
	header, err := readHeader(rd)
	if err != nil {
		return nil, nil, err
	}

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, nil, ErrTruncated
	}
	if rd.Len() != int(n)+HMACLength {
		return nil, nil, ErrTruncated
	}
	signedLen := len(data) - HMACLength
	ciphertext := data[len(data)-rd.Len() : signedLen]

	encKey, macKey, err := deriveKeys(passphrase, header.KDF)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !verifyHMAC(macKey, data[:signedLen], data[signedLen:]) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := open(encKey, ciphertext)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return header, &payload, nil
}

// Restore decrypts the archive from r and writes its files to p. An existing
// vault is only replaced when opts.Force is set.
func Restore(r io.Reader, p Paths, passphrase []byte, opts *Options) (*Header, error) {
	if opts == nil {
		opts = &Options{}
	}
	header, payload, err := decode(r, passphrase)
	if err != nil {
		return nil, err
	}
	defer payload.wipe()

	if _, err := os.Stat(p.Vault); err == nil && !opts.Force {
		return nil, fmt.Errorf("%w at %s", ErrVaultExists, p.Vault)
	}

	if err := writeFileAtomic(p.Vault, payload.Vault, vault.FileMode); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(p.MasterKey, payload.MasterKey, 0600); err != nil {
		return nil, err
	}

	restoredAudit := 0
	if opts.IncludeAudit && p.AuditDir != "" {
		for name, data := range payload.Audit {
			if name != filepath.Base(name) || name == "." || name == ".." {
				return nil, fmt.Errorf("invalid audit file name %q", name)
			}
			if err := writeFileAtomic(filepath.Join(p.AuditDir, name), data, 0600); err != nil {
				return nil, err
			}
			restoredAudit++
		}
	}

	opts.logger().Info("backup restored",
		zap.Int("credentials", header.CredentialCount),
		zap.Int("audit_files", restoredAudit))
	return header, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
