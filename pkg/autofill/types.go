package autofill

import (
	"time"

	"github.com/forest6511/vaultfill/pkg/classify"
)

// FillRequest asks the broker to suggest values for a form. Each context is
// a snapshot of the host's window forest; later contexts supersede earlier
// ones, so only the last is classified.
type FillRequest struct {
	Package  string        `json:"package"`
	Contexts []FillContext `json:"contexts"`
}

// FillContext holds one snapshot of the host's windows.
type FillContext struct {
	Windows []*classify.Field `json:"windows"`
}

// SaveRequest is the host's offer to store submitted credentials. It is
// acknowledged and discarded.
type SaveRequest struct {
	Package string `json:"package"`
}

// AuthRequest is the phase-1 artifact: which fields can be filled and the
// token that unlocks phase 2. It never carries credential values.
type AuthRequest struct {
	Token     string            `json:"token"`
	FieldIDs  []string          `json:"field_ids"`
	Roles     map[string]string `json:"roles"`
	Prompt    string            `json:"prompt"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// FillResponse offers one dataset per candidate credential.
type FillResponse struct {
	Datasets []Dataset `json:"datasets"`
}

// Dataset binds field ids to the values of one credential. Label and
// Subtitle let the user tell candidates apart.
type Dataset struct {
	Label    string            `json:"label"`
	Subtitle string            `json:"subtitle,omitempty"`
	Values   map[string]string `json:"values"`
}

// Outcome is what Handle produced. A nil Response means "no offer".
type Outcome struct {
	State    State
	Response *FillResponse
}

// Offered reports whether the outcome carries datasets.
func (o Outcome) Offered() bool {
	return o.Response != nil
}

// State is a step of one fill request's lifecycle.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateAwaitingAuth
	StateAuthenticated
	StateResponding
	StateDone
	// StateEmpty ends a request with nothing to offer.
	StateEmpty
	// StateRejected ends a request whose authentication challenge failed.
	StateRejected
)

var stateNames = [...]string{
	StateReceived:      "received",
	StateClassified:    "classified",
	StateAwaitingAuth:  "awaiting_auth",
	StateAuthenticated: "authenticated",
	StateResponding:    "responding",
	StateDone:          "done",
	StateEmpty:         "empty",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateEmpty || s == StateRejected
}
