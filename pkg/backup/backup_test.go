package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/vaultfill/pkg/keystore"
	"github.com/forest6511/vaultfill/pkg/vault"
)

var passphrase = []byte("correct horse battery staple")

func pathsIn(dir string) Paths {
	return Paths{
		Vault:     filepath.Join(dir, vault.DBFileName),
		MasterKey: filepath.Join(dir, keystore.KeyFileName),
		AuditDir:  filepath.Join(dir, "audit"),
	}
}

// seed creates a data directory holding two credentials and one audit file.
func seed(t *testing.T) Paths {
	t.Helper()
	ctx := context.Background()
	p := pathsIn(t.TempDir())

	require.NoError(t, keystore.Create(p.MasterKey))
	key, err := keystore.NewFile(p.MasterKey).MasterKey(ctx)
	require.NoError(t, err)

	w, err := vault.OpenWriter(p.Vault)
	require.NoError(t, err)
	for _, c := range []vault.Credential{
		{Title: "Mail", Username: "a@b.com", Password: "p1"},
		{Title: "Bank", Username: "alice", Password: "p2"},
	} {
		_, err := w.Add(ctx, key, c)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.NoError(t, os.MkdirAll(p.AuditDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(p.AuditDir, "2026-10.jsonl"), []byte("{}\n"), 0600))
	return p
}

func create(t *testing.T, p Paths, opts *Options) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := Create(context.Background(), &buf, p, passphrase, opts)
	require.NoError(t, err)
	return buf.Bytes()
}

func readTitles(t *testing.T, p Paths) []string {
	t.Helper()
	ctx := context.Background()
	key, err := keystore.NewFile(p.MasterKey).MasterKey(ctx)
	require.NoError(t, err)
	creds, err := vault.ReadAll(ctx, p.Vault, key)
	require.NoError(t, err)
	var titles []string
	for _, c := range creds {
		titles = append(titles, c.Title)
	}
	return titles
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	src := seed(t)
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	data := create(t, src, &Options{IncludeAudit: true, Now: func() time.Time { return created }})

	assert.Equal(t, MagicNumber[:], data[:8])
	assert.NotContains(t, string(data), "a@b.com")

	dst := pathsIn(t.TempDir())
	h, err := Restore(bytes.NewReader(data), dst, passphrase, &Options{IncludeAudit: true})
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, h.Version)
	assert.Equal(t, created, h.CreatedAt)
	assert.Equal(t, 2, h.CredentialCount)
	assert.True(t, h.IncludesAudit)

	assert.ElementsMatch(t, []string{"Mail", "Bank"}, readTitles(t, dst))

	info, err := os.Stat(dst.MasterKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	audit, err := os.ReadFile(filepath.Join(dst.AuditDir, "2026-10.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(audit))
}

func TestAuditExcludedByDefault(t *testing.T) {
	src := seed(t)
	data := create(t, src, nil)

	h, err := Verify(bytes.NewReader(data), passphrase)
	require.NoError(t, err)
	assert.False(t, h.IncludesAudit)

	dst := pathsIn(t.TempDir())
	_, err = Restore(bytes.NewReader(data), dst, passphrase, &Options{IncludeAudit: true})
	require.NoError(t, err)
	_, err = os.Stat(dst.AuditDir)
	assert.True(t, os.IsNotExist(err))
}

func TestVerifyRejects(t *testing.T) {
	data := create(t, seed(t), nil)

	flip := func(i int) []byte {
		out := bytes.Clone(data)
		out[i] ^= 0xff
		return out
	}

	tests := []struct {
		name       string
		data       []byte
		passphrase []byte
		wantErr    error
	}{
		{"wrong passphrase", data, []byte("nope"), ErrIntegrityFailed},
		{"empty passphrase", data, nil, ErrEmptyPassphrase},
		{"bad magic", flip(0), passphrase, ErrInvalidMagic},
		{"tampered ciphertext", flip(len(data) - HMACLength - 1), passphrase, ErrIntegrityFailed},
		{"tampered hmac", flip(len(data) - 1), passphrase, ErrIntegrityFailed},
		{"truncated", data[:len(data)-1], passphrase, ErrTruncated},
		{"empty", nil, passphrase, ErrInvalidMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(bytes.NewReader(tt.data), tt.passphrase)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRestoreRefusesExistingVault(t *testing.T) {
	src := seed(t)
	data := create(t, src, nil)

	dst := seed(t)
	_, err := Restore(bytes.NewReader(data), dst, passphrase, nil)
	require.ErrorIs(t, err, ErrVaultExists)

	_, err = Restore(bytes.NewReader(data), dst, passphrase, &Options{Force: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Mail", "Bank"}, readTitles(t, dst))
}

func TestCreateErrors(t *testing.T) {
	var buf bytes.Buffer

	_, err := Create(context.Background(), &buf, pathsIn(t.TempDir()), passphrase, nil)
	assert.ErrorIs(t, err, ErrVaultNotFound)

	_, err = Create(context.Background(), &buf, seed(t), nil, nil)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
	assert.Zero(t, buf.Len())
}
