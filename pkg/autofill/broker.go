// Package autofill is the fill pipeline: classify the host's form, challenge
// the user, read the vault and bind credentials to the classified fields.
//
// Every exported Broker method is a fault boundary. Stages return errors;
// the boundary logs them, records a fill.fault audit event and answers
// "no offer". Callers never see an error or a panic, and cannot tell an
// empty vault from a denied challenge.
package autofill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/authgate"
	"github.com/forest6511/vaultfill/pkg/classify"
	"github.com/forest6511/vaultfill/pkg/crypto"
	"github.com/forest6511/vaultfill/pkg/keystore"
	"github.com/forest6511/vaultfill/pkg/vault"
)

// DefaultTokenTTL bounds how long a phase-1 token can be exercised.
const DefaultTokenTTL = 2 * time.Minute

const defaultPrompt = "Unlock vaultfill to fill saved credentials"

// ErrPanic wraps a value recovered at the boundary.
var ErrPanic = errors.New("autofill: stage panicked")

// VaultReader reads every decryptable credential. It takes ownership of key.
type VaultReader interface {
	ReadAll(ctx context.Context, key []byte) ([]vault.Credential, error)
}

// VaultFile reads the vault at Path with a fresh handle per call.
type VaultFile struct {
	Path   string
	Logger *zap.Logger
}

// ReadAll implements VaultReader.
func (v VaultFile) ReadAll(ctx context.Context, key []byte) ([]vault.Credential, error) {
	return vault.ReadAll(ctx, v.Path, key, vault.WithLogger(v.Logger))
}

// Auditor records fill lifecycle events. *audit.Logger satisfies it.
type Auditor interface {
	Log(op, source, result, pkg string, errInfo *audit.ErrorInfo, ctx map[string]any) error
}

type nopAuditor struct{}

func (nopAuditor) Log(string, string, string, string, *audit.ErrorInfo, map[string]any) error {
	return nil
}

// Broker runs fill requests. It is safe for concurrent use; the only shared
// state is the pending token table.
type Broker struct {
	gate    authgate.Gate
	keys    keystore.Provider
	reader  VaultReader
	log     *zap.Logger
	audit   Auditor
	source  string
	ttl     time.Duration
	now     func() time.Time
	ignore  func(pkg string) bool
	hook    func(State)
	prompt  string
	pending *pendingTable
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithAudit records lifecycle events under source.
func WithAudit(a Auditor, source string) Option {
	return func(b *Broker) {
		if a != nil {
			b.audit, b.source = a, source
		}
	}
}

// WithTokenTTL sets how long phase-1 tokens stay valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// WithPackageFilter drops requests from packages for which ignore returns
// true before anything is classified.
func WithPackageFilter(ignore func(pkg string) bool) Option {
	return func(b *Broker) {
		b.ignore = ignore
	}
}

// WithStateHook calls hook on every state transition.
func WithStateHook(hook func(State)) Option {
	return func(b *Broker) {
		b.hook = hook
	}
}

// New creates a Broker.
func New(gate authgate.Gate, keys keystore.Provider, reader VaultReader, opts ...Option) *Broker {
	b := &Broker{
		gate:    gate,
		keys:    keys,
		reader:  reader,
		log:     zap.NewNop(),
		audit:   nopAuditor{},
		ttl:     DefaultTokenTTL,
		now:     time.Now,
		ignore:  func(string) bool { return false },
		hook:    func(State) {},
		prompt:  defaultPrompt,
		pending: newPendingTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// request tracks one fill request through the state machine.
type request struct {
	b     *Broker
	id    string
	pkg   string
	state State
	log   *zap.Logger
}

func (b *Broker) newRequest(pkg string) *request {
	id := uuid.NewString()
	r := &request{b: b, id: id, pkg: pkg, log: b.log.With(zap.String("request", id))}
	r.to(StateReceived)
	return r
}

func (r *request) to(s State) {
	r.state = s
	r.log.Debug("fill state", zap.Stringer("state", s))
	r.b.hook(s)
}

func (r *request) record(op, result string, errInfo *audit.ErrorInfo, ctx map[string]any) {
	if err := r.b.audit.Log(op, r.b.source, result, r.pkg, errInfo, ctx); err != nil {
		r.log.Warn("failed to record audit event", zap.String("op", op), zap.Error(err))
	}
}

// Handle runs the whole pipeline in one call: classify, challenge, read,
// respond.
func (b *Broker) Handle(ctx context.Context, req FillRequest) (out Outcome) {
	r := b.newRequest(req.Package)
	defer b.boundary(r, func() { out = Outcome{State: StateEmpty} })

	res, ok := b.classify(r, req)
	if !ok {
		return Outcome{State: r.state}
	}
	r.to(StateAwaitingAuth)

	resp, err := b.unlock(ctx, r, res)
	if err != nil {
		b.fault(r, err)
		return Outcome{State: StateEmpty}
	}
	return Outcome{State: r.state, Response: resp}
}

// Fill is phase 1: classify and, if anything can be filled, issue a
// single-use token. It returns nil for no offer.
func (b *Broker) Fill(ctx context.Context, req FillRequest) (auth *AuthRequest) {
	r := b.newRequest(req.Package)
	defer b.boundary(r, func() { auth = nil })

	res, ok := b.classify(r, req)
	if !ok {
		return nil
	}

	now := b.now()
	expires := now.Add(b.ttl)
	token := b.pending.issue(pendingFill{id: r.id, pkg: r.pkg, result: res, expires: expires}, now)
	r.to(StateAwaitingAuth)
	r.record(audit.OpFillOffer, audit.ResultSuccess, nil, map[string]any{"roles": len(res.FieldIDs())})

	return &AuthRequest{
		Token:     token,
		FieldIDs:  res.FieldIDs(),
		Roles:     res.Map(),
		Prompt:    b.prompt,
		ExpiresAt: expires,
	}
}

// Authenticate is phase 2: exercise token, challenge the user and read the
// vault. Unknown, reused or expired tokens yield nil.
func (b *Broker) Authenticate(ctx context.Context, token string) (resp *FillResponse) {
	p, ok := b.pending.take(token, b.now())
	if !ok {
		b.log.Debug("unknown or expired fill token")
		return nil
	}

	r := &request{b: b, id: p.id, pkg: p.pkg, state: StateAwaitingAuth, log: b.log.With(zap.String("request", p.id))}
	defer b.boundary(r, func() { resp = nil })

	resp, err := b.unlock(ctx, r, p.result)
	if err != nil {
		b.fault(r, err)
		return nil
	}
	return resp
}

// Save acknowledges a save request. Nothing is stored.
func (b *Broker) Save(ctx context.Context, req SaveRequest) {
	r := &request{b: b, id: uuid.NewString(), pkg: req.Package, log: b.log}
	defer b.boundary(r, func() {})
	r.record(audit.OpFillSave, audit.ResultSuccess, nil, nil)
}

// Pending returns the number of outstanding phase-1 tokens.
func (b *Broker) Pending() int {
	return b.pending.len()
}

// boundary converts a panic into a fault and runs reset so the caller
// returns "no offer".
func (b *Broker) boundary(r *request, reset func()) {
	if v := recover(); v != nil {
		b.fault(r, fmt.Errorf("%w: %v", ErrPanic, v))
		reset()
	}
}

func (b *Broker) fault(r *request, err error) {
	r.log.Error("fill request failed", zap.Stringer("state", r.state), zap.Error(err))
	code := "STAGE_ERROR"
	if errors.Is(err, ErrPanic) {
		code = "PANIC"
	}
	r.record(audit.OpFillFault, audit.ResultError, &audit.ErrorInfo{Code: code},
		map[string]any{"state": r.state.String()})
	r.to(StateEmpty)
}

// classify runs Received → Classified. ok is false when the request ended
// in StateEmpty.
func (b *Broker) classify(r *request, req FillRequest) (classify.Result, bool) {
	r.record(audit.OpFillRequest, audit.ResultSuccess, nil, map[string]any{"contexts": len(req.Contexts)})

	if b.ignore(req.Package) {
		r.log.Debug("package ignored")
		b.empty(r, "ignored")
		return classify.Result{}, false
	}
	if len(req.Contexts) == 0 {
		r.to(StateClassified)
		b.empty(r, "no_context")
		return classify.Result{}, false
	}

	latest := req.Contexts[len(req.Contexts)-1]
	res := classify.Classify(classify.Nodes(latest.Windows))
	r.to(StateClassified)

	if res.Empty() {
		b.empty(r, "no_fields")
		return classify.Result{}, false
	}
	r.log.Debug("fields classified", zap.Strings("fields", res.FieldIDs()))
	return res, true
}

func (b *Broker) empty(r *request, reason string) {
	r.to(StateEmpty)
	r.record(audit.OpFillEmpty, audit.ResultSuccess, nil, map[string]any{"reason": reason})
}

// unlock runs AwaitingAuth → Authenticated → Responding → Done. The gate is
// challenged exactly once; the vault is only touched after it grants.
func (b *Broker) unlock(ctx context.Context, r *request, res classify.Result) (*FillResponse, error) {
	result, err := b.gate.Challenge(authgate.WithRequester(ctx, r.pkg))
	if err != nil {
		return nil, fmt.Errorf("autofill: challenge: %w", err)
	}
	if !result.Allowed() {
		r.to(StateRejected)
		r.record(audit.OpFillAuthDenied, audit.ResultDenied, nil, map[string]any{"reason": result.String()})
		return nil, nil
	}
	r.to(StateAuthenticated)

	r.to(StateResponding)
	creds, err := b.readVault(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		b.empty(r, "no_records")
		return nil, nil
	}

	resp := buildResponse(res, creds)
	r.to(StateDone)
	r.record(audit.OpFillResponse, audit.ResultSuccess, nil, map[string]any{"datasets": len(resp.Datasets)})
	return resp, nil
}

// readVault fetches the master key and hands it to the reader. A missing
// key or vault is an empty read, not an error.
func (b *Broker) readVault(ctx context.Context) ([]vault.Credential, error) {
	key, err := b.keys.MasterKey(ctx)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyAbsent) {
			return nil, nil
		}
		return nil, fmt.Errorf("autofill: master key: %w", err)
	}
	defer crypto.SecureWipe(key)

	creds, err := b.reader.ReadAll(ctx, key)
	if err != nil {
		if errors.Is(err, vault.ErrVaultNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("autofill: read vault: %w", err)
	}
	return creds, nil
}

// buildResponse offers every credential as its own dataset, binding each
// classified field to the matching value.
func buildResponse(res classify.Result, creds []vault.Credential) *FillResponse {
	userField, hasUser := res.Get(classify.Username)
	passField, hasPass := res.Get(classify.Password)

	resp := &FillResponse{Datasets: make([]Dataset, 0, len(creds))}
	for _, c := range creds {
		d := Dataset{Label: c.Title, Subtitle: c.Username, Values: make(map[string]string, 2)}
		if hasUser {
			d.Values[userField] = c.Username
		}
		if hasPass {
			d.Values[passField] = c.Password
		}
		resp.Datasets = append(resp.Datasets, d)
	}
	return resp
}
