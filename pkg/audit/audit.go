// Package audit provides an append-only fill audit log with an HMAC chain
// for tamper detection.
//
// Events never carry credential values, field contents or key material. The
// requesting package name is stored as an HMAC so the log does not reveal
// which applications were filled unless the reader holds the audit key.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// MinAuditDiskSpace is the free space required before an event is appended.
const MinAuditDiskSpace = 1024 * 1024

// File names inside the audit directory.
const (
	KeyFileName   = "audit.key"
	metaFileName  = "audit.meta"
	logFileSuffix = ".jsonl"
	genesis       = "genesis"
	hkdfInfo      = "vaultfill-audit-v1"
	schemaVersion = 1
)

// Operation types
const (
	OpVaultInit        = "vault.init"
	OpCredentialAdd    = "credential.add"
	OpCredentialDelete = "credential.delete"
	OpBackupCreate     = "backup.create"
	OpBackupRestore    = "backup.restore"

	OpFillRequest    = "fill.request"
	OpFillEmpty      = "fill.empty"
	OpFillOffer      = "fill.offer"
	OpFillAuthDenied = "fill.auth_denied"
	OpFillResponse   = "fill.response"
	OpFillSave       = "fill.save"
	OpFillFault      = "fill.fault"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
	SourceAPI = "api"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

var (
	ErrKeyNotSet    = errors.New("audit: HMAC key not set")
	ErrKeyMalformed = errors.New("audit: key file is malformed")
)

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`

	Operation string `json:"op"`
	Package   string `json:"pkg,omitempty"` // HMAC of the requesting package

	Actor Actor `json:"actor"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	// Counts, states and field roles only.
	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor records which transport drove the operation.
type Actor struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links each record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger appends events to monthly JSONL files under one directory.
type Logger struct {
	path      string
	log       *zap.Logger
	now       func() time.Time
	mu        sync.Mutex
	hmacKey   []byte
	sequence  int64
	prevHash  string
	sessionID string
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the diagnostics logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates a logger for dir. SetHMACKey must be called before Log.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		path:      dir,
		log:       zap.NewNop(),
		now:       time.Now,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a logger for dir keyed by the directory's audit key file,
// generating the key on first use.
func Open(dir string, opts ...Option) (*Logger, error) {
	secret, err := LoadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	l := NewLogger(dir, opts...)
	if err := l.SetHMACKey(secret); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadOrCreateKey returns the secret stored in dir/audit.key, creating a
// random one with 0600 permissions if absent.
func LoadOrCreateKey(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}
	path := filepath.Join(dir, KeyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(secret) != 32 {
			return nil, ErrKeyMalformed
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: failed to read key: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("audit: failed to generate key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Lost a creation race; use the winner's key.
			return LoadOrCreateKey(dir)
		}
		return nil, fmt.Errorf("audit: failed to create key: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(secret) + "\n"); err != nil {
		return nil, fmt.Errorf("audit: failed to write key: %w", err)
	}
	return secret, nil
}

// SetHMACKey derives the chain key from secret using HKDF-SHA256 and
// resumes the chain from the directory's metadata.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		// First run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Log records an event. pkg is stored only as an HMAC.
func (l *Logger) Log(op, source, result, pkg string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	event := Event{
		Version:   schemaVersion,
		ID:        id.String(),
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Actor:     Actor{Source: source, SessionID: l.sessionID},
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if pkg != "" {
		event.Package = l.sum([]byte(pkg))
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sum(recordData(&event))

	if err := l.writeEvent(&event); err != nil {
		l.sequence--
		return err
	}
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, pkg string) error {
	return l.Log(op, source, ResultSuccess, pkg, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, pkg, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, pkg, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, source, pkg, reason string) error {
	return l.Log(op, source, ResultDenied, pkg, nil, map[string]any{"reason": reason})
}

// PackageHMAC returns the value stored in Event.Package for pkg, so callers
// can filter events by application.
func (l *Logger) PackageHMAC(pkg string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hmacKey == nil {
		return "", ErrKeyNotSet
	}
	return l.sum([]byte(pkg)), nil
}

func (l *Logger) sum(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData serialises every significant field except the HMAC itself.
func recordData(e *Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|%s|%s|%s|%s|",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Package,
		e.Actor.Source, e.Actor.SessionID, e.Result)
	if e.Error != nil {
		fmt.Fprintf(&b, "%s|%s", e.Error.Code, e.Error.Message)
	}
	b.WriteByte('|')

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v|", k, e.Context[k])
	}

	fmt.Fprintf(&b, "%d|%s", e.Chain.Sequence, e.Chain.PrevHash)
	return []byte(b.String())
}

// writeEvent appends an event to the current month's file
func (l *Logger) writeEvent(event *Event) error {
	name := l.now().UTC().Format("2006-01") + logFileSuffix
	f, err := os.OpenFile(filepath.Join(l.path, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence, linkage and
// HMAC of each record.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sum(recordData(event)))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		} else {
			result.RecordsVerified++
		}

		expectedPrev = event.Chain.HMAC
		expectedSeq++
	}
	return result, nil
}

// ListEvents returns events newer than since (zero = all), keeping the
// most recent limit (0 = all).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*"+logFileSuffix))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically
	slices.Sort(files)

	var events []Event
	for _, file := range files {
		got, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, got...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, sc.Err()
}
