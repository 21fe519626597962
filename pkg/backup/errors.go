// Package backup writes and reads passphrase-encrypted archives of a vaultfill
// data directory.
package backup

import "errors"

var (
	// ErrInvalidMagic indicates the input is not a vaultfill backup.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrTruncated indicates the archive ends before its declared length.
	ErrTruncated = errors.New("backup file truncated")

	// ErrIntegrityFailed indicates the HMAC did not match: wrong passphrase or tampering.
	ErrIntegrityFailed = errors.New("backup integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates the payload could not be opened.
	ErrDecryptionFailed = errors.New("backup decryption failed")

	// ErrEmptyPassphrase indicates an empty passphrase was provided.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")

	// ErrVaultNotFound indicates there is no vault file to back up.
	ErrVaultNotFound = errors.New("vault not found")

	// ErrVaultExists indicates a restore would overwrite an existing vault.
	ErrVaultExists = errors.New("vault already exists")
)
