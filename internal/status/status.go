package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job lifecycle states. Transitions are monotonic:
// PENDING -> STARTED -> {SUCCESS | FAILURE | CANCELLED}.
type State string

const (
	StatePending   State = "PENDING"
	StateStarted   State = "STARTED"
	StateSuccess   State = "SUCCESS"
	StateFailure   State = "FAILURE"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateCancelled
}

// FailureDetail names the pipeline stage and error kind behind a FAILURE record.
type FailureDetail struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Record is the stored status of one job, keyed by job ID.
type Record struct {
	JobID           string          `json:"job_id"`
	State           State           `json:"state"`
	Result          json.RawMessage `json:"result,omitempty"`
	Failure         *FailureDetail  `json:"failure,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

var (
	// ErrNotFound is returned for an unknown or expired job ID.
	ErrNotFound = errors.New("job status not found")

	// ErrStateConflict is returned when a compare-and-set transition finds the
	// record in a different state than expected. Under duplicate delivery the
	// losing worker sees this and discards its outcome.
	ErrStateConflict = errors.New("job status state conflict")

	// ErrAlreadyExists is returned when creating a record that already exists.
	ErrAlreadyExists = errors.New("job status already exists")
)

// Store persists job status records with compare-and-set transitions and
// passive expiration measured from the last update.
type Store interface {
	// Create writes a new record in the given initial state.
	Create(ctx context.Context, jobID string, initial State) error

	// Transition atomically moves the record from expected to next, attaching
	// the result payload (SUCCESS) or failure detail (FAILURE). Fails with
	// ErrStateConflict when the current state differs from expected.
	Transition(ctx context.Context, jobID string, expected, next State, result json.RawMessage, failure *FailureDetail) error

	// Get returns the current record, or ErrNotFound if unknown or expired.
	Get(ctx context.Context, jobID string) (*Record, error)

	// RequestCancel sets the cancellation sentinel on a non-terminal record.
	// The stage runner observes it between stages.
	RequestCancel(ctx context.Context, jobID string) error

	// Purge removes the record immediately, regardless of state.
	Purge(ctx context.Context, jobID string) error
}
