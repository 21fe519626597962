package autofill

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/authgate"
	"github.com/forest6511/vaultfill/pkg/classify"
	"github.com/forest6511/vaultfill/pkg/keystore"
	"github.com/forest6511/vaultfill/pkg/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// loginForm is a window with an email field and a password field.
func loginForm() FillRequest {
	return FillRequest{
		Package: "com.example.mail",
		Contexts: []FillContext{{Windows: []*classify.Field{{
			Contents: []*classify.Field{
				{Type: classify.TypeText, Handle: "pw", Hint: []string{"password"}},
				{Type: classify.TypeText, Handle: "mail", Hint: []string{"email"}},
			},
		}}}},
	}
}

func searchForm() FillRequest {
	return FillRequest{
		Package: "com.example.search",
		Contexts: []FillContext{{Windows: []*classify.Field{
			{Type: classify.TypeText, Handle: "q", Text: "Search"},
		}}},
	}
}

type countingGate struct {
	result authgate.Result
	err    error
	calls  atomic.Int32
}

func (g *countingGate) Challenge(context.Context) (authgate.Result, error) {
	g.calls.Add(1)
	return g.result, g.err
}

type spyReader struct {
	creds []vault.Credential
	err   error
	calls atomic.Int32
	keys  [][]byte
	mu    sync.Mutex
}

func (s *spyReader) ReadAll(_ context.Context, key []byte) ([]vault.Credential, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return s.creds, s.err
}

type recordedEvent struct {
	op, result string
	ctx        map[string]any
}

type fakeAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *fakeAudit) Log(op, _, result, _ string, _ *audit.ErrorInfo, ctx map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{op, result, ctx})
	return nil
}

func (a *fakeAudit) ops() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.op
	}
	return out
}

func staticKey() keystore.Provider {
	return keystore.ProviderFunc(func(context.Context) ([]byte, error) {
		return []byte("0123456789abcdef0123456789abcdef"), nil
	})
}

type harness struct {
	gate   *countingGate
	reader *spyReader
	audit  *fakeAudit
	states []State
	broker *Broker
}

func newHarness(gate authgate.Result, creds []vault.Credential, opts ...Option) *harness {
	h := &harness{
		gate:   &countingGate{result: gate},
		reader: &spyReader{creds: creds},
		audit:  &fakeAudit{},
	}
	opts = append([]Option{
		WithAudit(h.audit, audit.SourceAPI),
		WithStateHook(func(s State) { h.states = append(h.states, s) }),
	}, opts...)
	h.broker = New(h.gate, staticKey(), h.reader, opts...)
	return h
}

var mail = vault.Credential{ID: 1, Title: "Mail", Username: "a@b.com", Password: "p1"}

func TestHandleGranted(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})

	out := h.broker.Handle(context.Background(), loginForm())

	require.True(t, out.Offered())
	assert.Equal(t, StateDone, out.State)
	require.Len(t, out.Response.Datasets, 1)
	d := out.Response.Datasets[0]
	assert.Equal(t, map[string]string{"pw": "p1", "mail": "a@b.com"}, d.Values)
	assert.Equal(t, "Mail", d.Label)
	assert.Equal(t, "a@b.com", d.Subtitle)

	assert.Equal(t, []State{
		StateReceived, StateClassified, StateAwaitingAuth,
		StateAuthenticated, StateResponding, StateDone,
	}, h.states)
	assert.EqualValues(t, 1, h.gate.calls.Load())
	assert.EqualValues(t, 1, h.reader.calls.Load())
	assert.Equal(t, []string{audit.OpFillRequest, audit.OpFillResponse}, h.audit.ops())
}

func TestGateSeesRequestingPackage(t *testing.T) {
	var seen []string
	gate := authgate.GateFunc(func(ctx context.Context) (authgate.Result, error) {
		seen = append(seen, authgate.Requester(ctx))
		return authgate.Granted, nil
	})
	b := New(gate, staticKey(), &spyReader{creds: []vault.Credential{mail}})

	require.True(t, b.Handle(context.Background(), loginForm()).Offered())

	auth := b.Fill(context.Background(), loginForm())
	require.NotNil(t, auth)
	require.NotNil(t, b.Authenticate(context.Background(), auth.Token))

	assert.Equal(t, []string{"com.example.mail", "com.example.mail"}, seen)
}

func TestHandleDeniedNeverReadsVault(t *testing.T) {
	for _, result := range []authgate.Result{authgate.Denied, authgate.Unavailable} {
		t.Run(result.String(), func(t *testing.T) {
			h := newHarness(result, []vault.Credential{mail})

			out := h.broker.Handle(context.Background(), loginForm())

			assert.False(t, out.Offered())
			assert.Equal(t, StateRejected, out.State)
			assert.EqualValues(t, 1, h.gate.calls.Load())
			assert.Zero(t, h.reader.calls.Load())
			assert.NotContains(t, h.states, StateAuthenticated)
			assert.Contains(t, h.audit.ops(), audit.OpFillAuthDenied)
		})
	}
}

func TestHandleNoFieldsSkipsGate(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})

	out := h.broker.Handle(context.Background(), searchForm())

	assert.False(t, out.Offered())
	assert.Equal(t, StateEmpty, out.State)
	assert.Zero(t, h.gate.calls.Load())
	assert.Zero(t, h.reader.calls.Load())
	assert.Equal(t, []State{StateReceived, StateClassified, StateEmpty}, h.states)
}

func TestHandleUsesLastContext(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})

	req := loginForm()
	req.Contexts = append(req.Contexts, searchForm().Contexts...)
	out := h.broker.Handle(context.Background(), req)
	assert.Equal(t, StateEmpty, out.State)
	assert.Zero(t, h.gate.calls.Load())

	req = searchForm()
	req.Contexts = append(req.Contexts, loginForm().Contexts...)
	out = h.broker.Handle(context.Background(), req)
	assert.Equal(t, StateDone, out.State)
}

func TestHandleNoContexts(t *testing.T) {
	h := newHarness(authgate.Granted, nil)
	out := h.broker.Handle(context.Background(), FillRequest{Package: "x"})
	assert.Equal(t, StateEmpty, out.State)
	assert.Zero(t, h.gate.calls.Load())
}

func TestHandleIgnoredPackage(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail},
		WithPackageFilter(func(pkg string) bool { return pkg == "com.example.mail" }))

	out := h.broker.Handle(context.Background(), loginForm())
	assert.Equal(t, StateEmpty, out.State)
	assert.Zero(t, h.gate.calls.Load())
	assert.Equal(t, []State{StateReceived, StateEmpty}, h.states)
}

func TestHandleEmptyReads(t *testing.T) {
	tests := []struct {
		name   string
		keys   keystore.Provider
		reader *spyReader
	}{
		{
			name: "key absent",
			keys: keystore.ProviderFunc(func(context.Context) ([]byte, error) {
				return nil, keystore.ErrKeyAbsent
			}),
			reader: &spyReader{creds: []vault.Credential{mail}},
		},
		{
			name:   "vault missing",
			keys:   staticKey(),
			reader: &spyReader{err: vault.ErrVaultNotFound},
		},
		{
			name:   "no records",
			keys:   staticKey(),
			reader: &spyReader{creds: []vault.Credential{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []State
			b := New(authgate.GateFunc(func(context.Context) (authgate.Result, error) {
				return authgate.Granted, nil
			}), tt.keys, tt.reader, WithStateHook(func(s State) { states = append(states, s) }))

			out := b.Handle(context.Background(), loginForm())
			assert.False(t, out.Offered())
			assert.Equal(t, StateEmpty, out.State)
			assert.Equal(t, StateEmpty, states[len(states)-1])
		})
	}
}

func TestHandleMultipleCandidates(t *testing.T) {
	work := vault.Credential{ID: 2, Title: "Work", Username: "me@work", Password: "p2"}
	h := newHarness(authgate.Granted, []vault.Credential{mail, work})

	out := h.broker.Handle(context.Background(), loginForm())
	require.Len(t, out.Response.Datasets, 2)
	assert.Equal(t, "Mail", out.Response.Datasets[0].Label)
	assert.Equal(t, "Work", out.Response.Datasets[1].Label)
	assert.Equal(t, "p2", out.Response.Datasets[1].Values["pw"])
}

func TestHandlePasswordOnlyForm(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})
	req := FillRequest{Contexts: []FillContext{{Windows: []*classify.Field{
		{Type: classify.TypeText, Handle: "pin", ID: "passcode"},
	}}}}

	out := h.broker.Handle(context.Background(), req)
	require.True(t, out.Offered())
	assert.Equal(t, map[string]string{"pin": "p1"}, out.Response.Datasets[0].Values)
}

func TestBoundaryConvertsFaults(t *testing.T) {
	tests := []struct {
		name   string
		gate   authgate.Gate
		keys   keystore.Provider
		reader VaultReader
		code   string
	}{
		{
			name: "gate error",
			gate: authgate.GateFunc(func(context.Context) (authgate.Result, error) {
				return authgate.Denied, errors.New("authenticator crashed")
			}),
			keys:   staticKey(),
			reader: &spyReader{},
			code:   "STAGE_ERROR",
		},
		{
			name: "gate panic",
			gate: authgate.GateFunc(func(context.Context) (authgate.Result, error) {
				panic("boom")
			}),
			keys:   staticKey(),
			reader: &spyReader{},
			code:   "PANIC",
		},
		{
			name: "key error",
			gate: authgate.GateFunc(func(context.Context) (authgate.Result, error) { return authgate.Granted, nil }),
			keys: keystore.ProviderFunc(func(context.Context) ([]byte, error) {
				return nil, keystore.ErrKeyInsecure
			}),
			reader: &spyReader{},
			code:   "STAGE_ERROR",
		},
		{
			name:   "storage error",
			gate:   authgate.GateFunc(func(context.Context) (authgate.Result, error) { return authgate.Granted, nil }),
			keys:   staticKey(),
			reader: &spyReader{err: errors.New("disk I/O error")},
			code:   "STAGE_ERROR",
		},
		{
			name:   "reader panic",
			gate:   authgate.GateFunc(func(context.Context) (authgate.Result, error) { return authgate.Granted, nil }),
			keys:   staticKey(),
			reader: panicReader{},
			code:   "PANIC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			rec := &fakeAudit{}
			b := New(tt.gate, tt.keys, tt.reader, WithLogger(zap.New(core)), WithAudit(rec, audit.SourceAPI))

			var out Outcome
			require.NotPanics(t, func() { out = b.Handle(context.Background(), loginForm()) })
			assert.False(t, out.Offered())
			assert.Equal(t, StateEmpty, out.State)

			assert.Equal(t, 1, logs.FilterMessage("fill request failed").Len())
			ops := rec.ops()
			require.NotEmpty(t, ops)
			assert.Equal(t, audit.OpFillFault, ops[len(ops)-1])

			var fill *AuthRequest
			require.NotPanics(t, func() { fill = b.Fill(context.Background(), loginForm()) })
			require.NotNil(t, fill)
			require.NotPanics(t, func() { assert.Nil(t, b.Authenticate(context.Background(), fill.Token)) })
		})
	}
}

type panicReader struct{}

func (panicReader) ReadAll(context.Context, []byte) ([]vault.Credential, error) {
	panic("corrupt page")
}

func TestMasterKeyWipedAfterRead(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})
	h.broker.Handle(context.Background(), loginForm())

	require.Len(t, h.reader.keys, 1)
	assert.Equal(t, make([]byte, 32), h.reader.keys[0])
}

func TestTwoPhase(t *testing.T) {
	h := newHarness(authgate.Granted, []vault.Credential{mail})

	auth := h.broker.Fill(context.Background(), loginForm())
	require.NotNil(t, auth)
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, []string{"mail", "pw"}, auth.FieldIDs)
	assert.Equal(t, map[string]string{"username": "mail", "password": "pw"}, auth.Roles)
	assert.Equal(t, defaultPrompt, auth.Prompt)
	assert.Zero(t, h.gate.calls.Load(), "phase 1 never challenges")
	assert.Zero(t, h.reader.calls.Load())
	assert.Equal(t, 1, h.broker.Pending())

	resp := h.broker.Authenticate(context.Background(), auth.Token)
	require.NotNil(t, resp)
	assert.Equal(t, "p1", resp.Datasets[0].Values["pw"])
	assert.EqualValues(t, 1, h.gate.calls.Load())
	assert.Zero(t, h.broker.Pending())

	assert.Equal(t, []State{
		StateReceived, StateClassified, StateAwaitingAuth,
		StateAuthenticated, StateResponding, StateDone,
	}, h.states)

	// Tokens are single use.
	assert.Nil(t, h.broker.Authenticate(context.Background(), auth.Token))
	assert.EqualValues(t, 1, h.gate.calls.Load())
}

func TestTwoPhaseNoOffer(t *testing.T) {
	h := newHarness(authgate.Granted, nil)
	assert.Nil(t, h.broker.Fill(context.Background(), searchForm()))
	assert.Zero(t, h.broker.Pending())
	assert.Nil(t, h.broker.Authenticate(context.Background(), "not-a-token"))
	assert.Zero(t, h.gate.calls.Load())
}

func TestTwoPhaseDenied(t *testing.T) {
	h := newHarness(authgate.Denied, []vault.Credential{mail})
	auth := h.broker.Fill(context.Background(), loginForm())
	require.NotNil(t, auth)

	assert.Nil(t, h.broker.Authenticate(context.Background(), auth.Token))
	assert.Zero(t, h.reader.calls.Load())
	assert.Equal(t, StateRejected, h.states[len(h.states)-1])
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(authgate.Granted, []vault.Credential{mail},
		WithTokenTTL(time.Minute), WithClock(func() time.Time { return now }))

	auth := h.broker.Fill(context.Background(), loginForm())
	require.NotNil(t, auth)
	assert.Equal(t, now.Add(time.Minute), auth.ExpiresAt)

	now = now.Add(time.Minute)
	assert.Nil(t, h.broker.Authenticate(context.Background(), auth.Token))
	assert.Zero(t, h.gate.calls.Load())
	assert.Zero(t, h.broker.Pending())
}

func TestExpiredTokensAreSwept(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(authgate.Granted, nil,
		WithTokenTTL(time.Second), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		require.NotNil(t, h.broker.Fill(context.Background(), loginForm()))
	}
	assert.Equal(t, 3, h.broker.Pending())

	now = now.Add(time.Hour)
	require.NotNil(t, h.broker.Fill(context.Background(), loginForm()))
	assert.Equal(t, 1, h.broker.Pending())
}

func TestConcurrentTwoPhase(t *testing.T) {
	gate := &countingGate{result: authgate.Granted}
	reader := &spyReader{creds: []vault.Credential{mail}}
	b := New(gate, staticKey(), reader)

	const n = 32
	var wg sync.WaitGroup
	var served atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth := b.Fill(context.Background(), loginForm())
			if auth == nil {
				return
			}
			if b.Authenticate(context.Background(), auth.Token) != nil {
				served.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n, served.Load())
	assert.EqualValues(t, n, gate.calls.Load())
	assert.Zero(t, b.Pending())
}

func TestSave(t *testing.T) {
	h := newHarness(authgate.Granted, nil)
	h.broker.Save(context.Background(), SaveRequest{Package: "com.example"})
	assert.Equal(t, []string{audit.OpFillSave}, h.audit.ops())
	assert.Zero(t, h.gate.calls.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_auth", StateAwaitingAuth.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateResponding.Terminal())
}

// End-to-end over a real vault file: one of two records has a tampered
// password envelope and only the intact one is offered.
func TestHandleCorruptedRecordDropped(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), vault.DBFileName)
	w, err := vault.OpenWriter(path)
	require.NoError(t, err)
	_, err = w.Add(context.Background(), key, mail)
	require.NoError(t, err)
	badID, err := w.Add(context.Background(), key, vault.Credential{Title: "Bank", Username: "me", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	var envelope string
	require.NoError(t, db.QueryRow(`SELECT password FROM credentials WHERE id = ?`, badID).Scan(&envelope))
	raw, err := base64.StdEncoding.DecodeString(envelope)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = db.Exec(`UPDATE credentials SET password = ? WHERE id = ?`, base64.StdEncoding.EncodeToString(raw), badID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	keys := keystore.ProviderFunc(func(context.Context) ([]byte, error) {
		return append([]byte(nil), key...), nil
	})
	gate := authgate.GateFunc(func(context.Context) (authgate.Result, error) { return authgate.Granted, nil })
	b := New(gate, keys, VaultFile{Path: path})

	out := b.Handle(context.Background(), loginForm())
	require.True(t, out.Offered())
	require.Len(t, out.Response.Datasets, 1)
	assert.Equal(t, "Mail", out.Response.Datasets[0].Label)
	assert.Equal(t, "p1", out.Response.Datasets[0].Values["pw"])
}

func TestHandleMissingVaultFile(t *testing.T) {
	gate := authgate.GateFunc(func(context.Context) (authgate.Result, error) { return authgate.Granted, nil })
	b := New(gate, staticKey(), VaultFile{Path: filepath.Join(t.TempDir(), "absent.sqlite")})

	out := b.Handle(context.Background(), loginForm())
	assert.Equal(t, StateEmpty, out.State)
}
