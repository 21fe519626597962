package crypto_test

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/forest6511/vaultfill/pkg/crypto"
)

// BenchmarkDeriveKey measures Argon2id derivation used by the passphrase gate.
func BenchmarkDeriveKey(b *testing.B) {
	password := []byte("testpassword123!")
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		crypto.DeriveKey(password, salt)
	}
}

func BenchmarkSealEnvelope(b *testing.B) {
	key := benchKey(b)
	value := strings.Repeat("p", 64)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.SealEnvelope(key, value); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecryptEnvelope approximates the per-field cost of a vault read.
func BenchmarkDecryptEnvelope(b *testing.B) {
	key := benchKey(b)
	text, err := crypto.SealEnvelope(key, strings.Repeat("p", 64))
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.DecryptEnvelope(text, key); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSecureWipe(b *testing.B) {
	data := make([]byte, crypto.KeyLength)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		crypto.SecureWipe(data)
	}
}

func benchKey(b *testing.B) []byte {
	b.Helper()
	key := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(key); err != nil {
		b.Fatal(err)
	}
	return key
}
