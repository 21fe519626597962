package crypto

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// EncodeEnvelope returns the portable text form of nonce || ciphertextWithTag.
func EncodeEnvelope(nonce, ciphertextWithTag []byte) (string, error) {
	if len(nonce) != NonceLength {
		return "", ErrInvalidNonceLength
	}

	blob := make([]byte, 0, NonceLength+len(ciphertextWithTag))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertextWithTag...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// SealEnvelope encrypts plaintext under key with a fresh nonce and returns the
// envelope text ready for storage.
func SealEnvelope(key []byte, plaintext string) (string, error) {
	ciphertext, nonce, err := Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return EncodeEnvelope(nonce, ciphertext)
}

// DecryptEnvelope decodes envelope text and opens it with key.
//
// An envelope whose decoded form is NonceLength bytes or shorter yields an
// empty string and no error. Stored rows written by older clients rely on
// this; it also means truncated envelopes read as empty values.
func DecryptEnvelope(text string, key []byte) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(blob) <= NonceLength {
		return "", nil
	}

	plaintext, err := Decrypt(key, blob[NonceLength:], blob[:NonceLength])
	if err != nil {
		if err == ErrCiphertextTooShort {
			return "", ErrDecryptionFailed
		}
		return "", err
	}
	defer SecureWipe(plaintext)

	if !utf8.Valid(plaintext) {
		return "", ErrMalformedPlaintext
	}
	return string(plaintext), nil
}
