package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/autofill"
)

type fakeBroker struct {
	mu   sync.Mutex
	reqs []autofill.FillRequest
	resp *autofill.AuthRequest
}

func (f *fakeBroker) Fill(_ context.Context, req autofill.FillRequest) *autofill.AuthRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp
}

type deniedEvent struct{ op, source, pkg, reason string }

type fakeAudit struct {
	mu     sync.Mutex
	denied []deniedEvent
}

func (f *fakeAudit) LogDenied(op, source, pkg, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = append(f.denied, deniedEvent{op, source, pkg, reason})
	return nil
}

var expires = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func offering() *fakeBroker {
	return &fakeBroker{resp: &autofill.AuthRequest{
		Token:     "tok-1",
		FieldIDs:  []string{"u", "p"},
		Roles:     map[string]string{"username": "u", "password": "p"},
		ExpiresAt: expires,
	}}
}

// loginWindows is what the SDK hands the handler after decoding JSON.
func loginWindows(t *testing.T) []any {
	t.Helper()
	var windows []any
	require.NoError(t, json.Unmarshal([]byte(`[{"children": [
		{"autofill_type": "text", "hints": ["email"], "field_id": "u"},
		{"autofill_type": "text", "hint_text": "Password", "field_id": "p"}
	]}]`), &windows))
	return windows
}

func TestNewServer_NilBroker(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestNewServer_NoPolicy(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s, err := NewServer(offering(), &ServerOptions{
		PolicyPath: filepath.Join(t.TempDir(), PolicyFileName),
		Logger:     zap.New(core),
	})
	require.NoError(t, err)
	assert.Nil(t, s.policy)
	assert.Equal(t, 1, logs.FilterMessage("no MCP policy, autofill_request disabled").Len())
}

func TestNewServer_WithPolicy(t *testing.T) {
	path := writePolicy(t, "version: 1\nallowed_packages: [com.example.mail]\n", 0600)
	s, err := NewServer(offering(), &ServerOptions{PolicyPath: path})
	require.NoError(t, err)
	require.NotNil(t, s.policy)
	assert.Equal(t, []string{"com.example.mail"}, s.policy.AllowedPackages)
}

func TestNewServer_BadPolicyIsRestricted(t *testing.T) {
	path := writePolicy(t, "version: 9\n", 0600)
	s, err := NewServer(offering(), &ServerOptions{PolicyPath: path})
	require.NoError(t, err)
	assert.Nil(t, s.policy)
}

func TestHandleClassify(t *testing.T) {
	s := &Server{broker: offering(), log: zap.NewNop()}

	_, out, err := s.handleClassify(context.Background(), nil, ClassifyInput{Windows: loginWindows(t)})
	require.NoError(t, err)
	assert.Equal(t, "u", out.Username)
	assert.Equal(t, "p", out.Password)
	assert.Equal(t, []string{"u", "p"}, out.FieldIDs)
	assert.False(t, out.Empty)
}

func TestHandleClassify_Empty(t *testing.T) {
	s := &Server{broker: offering(), log: zap.NewNop()}

	_, out, err := s.handleClassify(context.Background(), nil, ClassifyInput{})
	require.NoError(t, err)
	assert.True(t, out.Empty)
	assert.Equal(t, []string{}, out.FieldIDs)
}

func TestHandleClassify_InvalidWindows(t *testing.T) {
	s := &Server{broker: offering(), log: zap.NewNop()}

	_, _, err := s.handleClassify(context.Background(), nil, ClassifyInput{Windows: []any{"not a node"}})
	assert.Error(t, err)
}

func TestHandleRequest_Allowed(t *testing.T) {
	broker := offering()
	s := &Server{
		broker: broker,
		policy: &Policy{Version: 1, DefaultAction: ActionDeny, AllowedPackages: []string{"com.example.*"}},
		log:    zap.NewNop(),
	}

	_, out, err := s.handleRequest(context.Background(), nil, RequestInput{
		Package: "com.example.mail",
		Windows: loginWindows(t),
	})
	require.NoError(t, err)
	assert.True(t, out.Offered)
	assert.Equal(t, "tok-1", out.Token)
	assert.Equal(t, []string{"u", "p"}, out.FieldIDs)
	assert.Equal(t, "2026-03-01T12:00:00Z", out.ExpiresAt)

	require.Len(t, broker.reqs, 1)
	req := broker.reqs[0]
	assert.Equal(t, "com.example.mail", req.Package)
	require.Len(t, req.Contexts, 1)
	require.Len(t, req.Contexts[0].Windows, 1)
	assert.Len(t, req.Contexts[0].Windows[0].Contents, 2)
}

func TestHandleRequest_NotOffered(t *testing.T) {
	s := &Server{
		broker: &fakeBroker{},
		policy: &Policy{Version: 1, DefaultAction: ActionAllow},
		log:    zap.NewNop(),
	}

	_, out, err := s.handleRequest(context.Background(), nil, RequestInput{Package: "org.any"})
	require.NoError(t, err)
	assert.Equal(t, RequestOutput{}, out)
}

func TestHandleRequest_PolicyDenied(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
	}{
		{"no policy", nil},
		{"not allowed", &Policy{Version: 1, DefaultAction: ActionDeny}},
		{"denied", &Policy{Version: 1, DefaultAction: ActionAllow, DeniedPackages: []string{"com.example.*"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := offering()
			rec := &fakeAudit{}
			s := &Server{broker: broker, policy: tt.policy, audit: rec, log: zap.NewNop()}

			_, out, err := s.handleRequest(context.Background(), nil, RequestInput{
				Package: "com.example.mail",
				Windows: loginWindows(t),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "policy denied")
			assert.False(t, out.Offered)
			assert.Empty(t, broker.reqs)

			require.Len(t, rec.denied, 1)
			assert.Equal(t, audit.OpFillRequest, rec.denied[0].op)
			assert.Equal(t, audit.SourceMCP, rec.denied[0].source)
			assert.Equal(t, "com.example.mail", rec.denied[0].pkg)
			assert.Equal(t, "policy", rec.denied[0].reason)
		})
	}
}

func TestHandleRequest_NeverCarriesValues(t *testing.T) {
	s := &Server{
		broker: offering(),
		policy: &Policy{Version: 1, DefaultAction: ActionAllow},
		log:    zap.NewNop(),
	}
	_, out, err := s.handleRequest(context.Background(), nil, RequestInput{Package: "com.example.mail", Windows: loginWindows(t)})
	require.NoError(t, err)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for key := range fields {
		assert.Contains(t, []string{"offered", "token", "field_ids", "roles", "expires_at"}, key)
	}
}
