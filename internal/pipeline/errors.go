package pipeline

import "fmt"

// Stable error kinds recorded in failure details and surfaced to clients.
const (
	KindUnknownTask      = "UnknownTask"
	KindMalformedInput   = "MalformedInput"
	KindProviderRejected = "ProviderRejected"
	KindTimeout          = "Timeout"
	KindUnavailable      = "Unavailable"
	KindRetryExhausted   = "RetryExhausted"
	KindInternal         = "Internal"
)

// TransientError marks a failure worth retrying within the stage's budget:
// network errors, timeouts, rate limits. Invisible to the caller unless the
// budget is exhausted.
type TransientError struct {
	Kind string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient (%s): %s", e.Kind, e.Err.Error())
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable with the given kind.
func NewTransientError(kind string, err error) error {
	return &TransientError{Kind: kind, Err: err}
}

// TerminalError marks a failure that must not be retried: malformed input,
// permanent provider rejection. It fails the whole job immediately.
type TerminalError struct {
	Kind string
	Err  error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal (%s): %s", e.Kind, e.Err.Error())
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError wraps err as non-retryable with the given kind.
func NewTerminalError(kind string, err error) error {
	return &TerminalError{Kind: kind, Err: err}
}
