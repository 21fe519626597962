package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MagicNumber opens every archive.
var MagicNumber = [8]byte{'V', 'F', 'I', 'L', '_', 'B', 'K', 'P'}

// FormatVersion is the archive layout written by this build.
const FormatVersion = 1

const maxHeaderSize = 64 * 1024

// KDFParams records the Argon2id parameters the archive key was derived with.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// Header is stored in clear text ahead of the ciphertext and covered by the
// archive HMAC.
type Header struct {
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	KDF             KDFParams `json:"kdf"`
	CredentialCount int       `json:"credential_count"`
	IncludesAudit   bool      `json:"includes_audit"`
}

// Payload is the encrypted body.
type Payload struct {
	Vault     []byte            `json:"vault"`
	MasterKey []byte            `json:"master_key"`
	Audit     map[string][]byte `json:"audit,omitempty"`
}

// Archive layout:
//
//	magic[8] | header_len[4] | header JSON | ct_len[4] | nonce||ciphertext | hmac[32]
func writeHeader(w io.Writer, h *Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrInvalidMagic
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrTruncated
	}
	if n > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, ErrTruncated
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if h.Version > FormatVersion || h.Version < 1 {
		return nil, fmt.Errorf("%w: got %d, max supported %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	if len(h.KDF.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", ErrIntegrityFailed)
	}
	return &h, nil
}
