package backup

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

const (
	// SaltLength is the length of the per-archive salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the trailing HMAC-SHA256.
	HMACLength = 32
)

const (
	hkdfInfoEncryption = "vaultfill-backup-encryption"
	hkdfInfoMAC        = "vaultfill-backup-mac"
)

func newKDFParams() (KDFParams, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return KDFParams{
		Salt:        salt,
		Memory:      crypto.Argon2Memory,
		Iterations:  crypto.Argon2Time,
		Parallelism: crypto.Argon2Threads,
	}, nil
}

// deriveKeys stretches the passphrase with Argon2id and splits the result
// into independent encryption and MAC keys.
func deriveKeys(passphrase []byte, p KDFParams) (encKey, macKey []byte, err error) {
	if len(passphrase) == 0 {
		return nil, nil, ErrEmptyPassphrase
	}
	if p.Memory != crypto.Argon2Memory || p.Iterations != crypto.Argon2Time || p.Parallelism != crypto.Argon2Threads {
		return nil, nil, fmt.Errorf("%w: unexpected key derivation parameters", ErrUnsupportedVersion)
	}

	root := crypto.DeriveKey(passphrase, p.Salt)
	defer crypto.SecureWipe(root)

	if encKey, err = expand(root, hkdfInfoEncryption); err != nil {
		return nil, nil, err
	}
	if macKey, err = expand(root, hkdfInfoMAC); err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func expand(secret []byte, info string) ([]byte, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// seal returns nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

func open(key, data []byte) ([]byte, error) {
	if len(data) < crypto.NonceLength {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := crypto.Decrypt(key, data[crypto.NonceLength:], data[:crypto.NonceLength])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func computeHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func verifyHMAC(key, data, mac []byte) bool {
	return hmac.Equal(computeHMAC(key, data), mac)
}
