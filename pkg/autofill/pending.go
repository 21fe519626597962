package autofill

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/vaultfill/pkg/classify"
)

// pendingFill is a classified request waiting for its token to be exercised.
type pendingFill struct {
	id      string
	pkg     string
	result  classify.Result
	expires time.Time
}

// pendingTable holds single-use tokens. Entries leave on use or expiry.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingFill
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]pendingFill)}
}

// issue stores p under a fresh token.
func (t *pendingTable) issue(p pendingFill, now time.Time) string {
	token := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)
	t.entries[token] = p
	return token
}

// take removes and returns the entry for token if it has not expired.
func (t *pendingTable) take(token string, now time.Time) (pendingFill, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[token]
	if !ok {
		return pendingFill{}, false
	}
	delete(t.entries, token)
	if !now.Before(p.expires) {
		return pendingFill{}, false
	}
	return p, true
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep drops expired entries. Caller holds mu.
func (t *pendingTable) sweep(now time.Time) {
	for token, p := range t.entries {
		if !now.Before(p.expires) {
			delete(t.entries, token)
		}
	}
}
