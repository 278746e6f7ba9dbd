package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of one application attempt.
type State string

const (
	StateStarted           State = "started"
	StateLocated           State = "located"
	StateFilling           State = "filling"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateAwaitingApproval  State = "awaiting_approval"
	StateSubmitting        State = "submitting"
	StateSubmitted         State = "submitted"
	StateFailed            State = "failed"
	StateAbandoned         State = "abandoned"
)

// TerminalStates never transition again.
var TerminalStates = []State{StateSubmitted, StateFailed, StateAbandoned}

// allowedTransitions lists every permitted (from -> to) pair. Failed and
// Abandoned are reachable from every non-terminal state.
var allowedTransitions = map[State]map[State]struct{}{
	StateStarted: {
		StateStarted:           {},
		StateLocated:           {},
		StateAwaitingChallenge: {},
		StateFailed:            {},
		StateAbandoned:         {},
	},
	StateLocated: {
		StateStarted:           {},
		StateFilling:           {},
		StateAwaitingChallenge: {},
		StateFailed:            {},
		StateAbandoned:         {},
	},
	StateFilling: {
		StateStarted:           {},
		StateAwaitingChallenge: {},
		StateAwaitingApproval:  {},
		StateSubmitting:        {},
		StateFailed:            {},
		StateAbandoned:         {},
	},
	StateAwaitingChallenge: {
		StateStarted:    {},
		StateLocated:    {},
		StateFilling:    {},
		StateSubmitting: {},
		StateFailed:     {},
		StateAbandoned:  {},
	},
	StateAwaitingApproval: {
		StateStarted:    {},
		StateSubmitting: {},
		StateFailed:     {},
		StateAbandoned:  {},
	},
	StateSubmitting: {
		StateAwaitingChallenge: {},
		StateSubmitted:         {},
		StateFailed:            {},
		StateAbandoned:         {},
	},
	StateSubmitted: {},
	StateFailed:    {},
	StateAbandoned: {},
}

// ParseState converts a raw string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("unknown application state %q", s)
	}
	return st, nil
}

// IsTerminal reports whether s is submitted, failed or abandoned.
func (s State) IsTerminal() bool {
	switch s {
	case StateSubmitted, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
// Re-entering Started from an intermediate state is how an interrupted or
// approved attempt is resumed.
func ValidateTransition(from, to State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Decision is the human approval outcome recorded on an application.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApplicationRecord is one attempt to apply to a posting.
type ApplicationRecord struct {
	ID               string     `json:"id"`
	PostingID        int64      `json:"postingId"`
	State            State      `json:"state"`
	AttemptCount     int        `json:"attemptCount"`
	LastAttemptAt    time.Time  `json:"lastAttemptAt"`
	SessionID        string     `json:"sessionId"`
	SubmittedAt      *time.Time `json:"submittedAt,omitempty"`
	FailureReason    *string    `json:"failureReason,omitempty"`
	ApprovalDecision *Decision  `json:"approvalDecision,omitempty"`
	Confirmation     string     `json:"confirmation,omitempty"`
	Snapshot         *Snapshot  `json:"snapshot,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Reason returns the failure reason or "".
func (r ApplicationRecord) Reason() string {
	if r.FailureReason == nil {
		return ""
	}
	return *r.FailureReason
}

// Snapshot is what a reviewer sees before approving a submission and what the
// engine replays when the approved attempt resumes.
type Snapshot struct {
	PostingID int64        `json:"postingId"`
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Company   string       `json:"company"`
	Strategy  string       `json:"strategy"`
	Values    []FieldValue `json:"values"`
	Score     int          `json:"score"`
	Rationale string       `json:"rationale"`
	TakenAt   time.Time    `json:"takenAt"`
}

// FieldValue is one filled form field.
type FieldValue struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// MarshalSnapshot encodes s for storage; nil encodes as "".
func MarshalSnapshot(s *Snapshot) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}

// UnmarshalSnapshot decodes a stored snapshot; "" decodes as nil.
func UnmarshalSnapshot(raw string) (*Snapshot, error) {
	if raw == "" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}
