package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scenely/media-jobs/internal/status"
)

// RunnerConfig holds the retry backoff policy shared by all stages.
type RunnerConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Runner executes a job's stages in order and owns its status transitions:
// PENDING -> STARTED before the first stage, STARTED -> SUCCESS/FAILURE/
// CANCELLED after the last stage resolves. All terminal writes are
// compare-and-set guarded so a duplicate delivery racing another worker
// discards its own outcome.
type Runner struct {
	store       status.Store
	registry    *Registry
	logger      *slog.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewRunner creates a Runner writing transitions to store and resolving task
// names through registry.
func NewRunner(store status.Store, registry *Registry, cfg RunnerConfig, logger *slog.Logger) *Runner {
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := cfg.BackoffCap
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Runner{
		store:       store,
		registry:    registry,
		logger:      logger,
		backoffBase: base,
		backoffCap:  maxDelay,
	}
}

// Run executes one delivery of the job end to end. A nil return means the
// delivery is settled (the job reached a terminal state, or another worker's
// outcome is authoritative) and must be acked; a non-nil return is an
// infrastructure failure and the delivery should redeliver.
func (r *Runner) Run(ctx context.Context, jobID, taskName string, args []string) error {
	claimed, err := r.claim(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Terminal record already present; the other worker's result wins.
		return nil
	}

	p, buildErr := r.registry.Build(taskName, jobID, args)
	if buildErr != nil {
		detail := failureDetail(taskName, buildErr)
		r.logger.Warn("Failed to build pipeline",
			slog.String("job_id", jobID),
			slog.String("task_name", taskName),
			slog.String("kind", detail.Kind),
		)
		return r.finish(ctx, jobID, status.StateFailure, nil, detail)
	}

	var input []byte
	for _, stage := range p.Stages {
		cancelled, err := r.cancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if cancelled {
			return r.finish(ctx, jobID, status.StateCancelled, nil, nil)
		}

		output, stageErr := r.runStage(ctx, jobID, stage, input)
		if stageErr != nil {
			if ctx.Err() != nil {
				// Worker shutdown mid-job: leave the record STARTED and let
				// the broker redeliver.
				return fmt.Errorf("job interrupted at stage %s: %w", stage.Name, ctx.Err())
			}
			detail := failureDetail(stage.Name, stageErr)
			r.logger.Warn("Stage failed terminally",
				slog.String("job_id", jobID),
				slog.String("stage", stage.Name),
				slog.String("kind", detail.Kind),
				slog.String("error", stageErr.Error()),
			)
			return r.finish(ctx, jobID, status.StateFailure, nil, detail)
		}
		input = output
	}

	return r.finish(ctx, jobID, status.StateSuccess, json.RawMessage(input), nil)
}

// claim moves the record PENDING -> STARTED. It reports false when the job is
// already terminal (duplicate delivery of a settled job). A record found
// STARTED is claimed anyway: that is a redelivery of an in-flight or crashed
// job, and the terminal compare-and-set arbitrates if two workers race.
func (r *Runner) claim(ctx context.Context, jobID string) (bool, error) {
	err := r.store.Transition(ctx, jobID, status.StatePending, status.StateStarted, nil, nil)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, status.ErrNotFound) {
		// The message can arrive before the dispatcher's status write lands.
		if createErr := r.store.Create(ctx, jobID, status.StateStarted); createErr != nil && !errors.Is(createErr, status.ErrAlreadyExists) {
			return false, fmt.Errorf("failed to create status record on claim: %w", createErr)
		}
		return true, nil
	}

	if !errors.Is(err, status.ErrStateConflict) {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	rec, getErr := r.store.Get(ctx, jobID)
	if getErr != nil {
		return false, fmt.Errorf("failed to inspect conflicting job: %w", getErr)
	}
	if rec.State.IsTerminal() {
		r.logger.Info("Duplicate delivery of settled job, discarding",
			slog.String("job_id", jobID),
			slog.String("state", string(rec.State)),
		)
		return false, nil
	}
	return true, nil
}

// runStage runs one stage with its timeout, retrying transient failures with
// capped exponential backoff until the retry budget is spent.
func (r *Runner) runStage(ctx context.Context, jobID string, stage Stage, input []byte) ([]byte, error) {
	attempts := stage.Retries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoffDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		output, err := r.attempt(ctx, stage, input)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if stage.NonIdempotent {
			// The stage may have partially completed; replaying is unsafe.
			return nil, NewTerminalError(transient.Kind, transient.Err)
		}

		lastErr = err
		r.logger.Warn("Stage attempt failed, retrying",
			slog.String("job_id", jobID),
			slog.String("stage", stage.Name),
			slog.Int("attempt", attempt+1),
			slog.Int("retry_budget", attempts),
			slog.String("error", err.Error()),
		)
	}

	return nil, NewTerminalError(KindRetryExhausted, fmt.Errorf("retry budget of %d attempts exhausted: %w", attempts, lastErr))
}

// attempt runs the stage once under its timeout. A deadline hit inside the
// stage counts as a transient failure.
func (r *Runner) attempt(ctx context.Context, stage Stage, input []byte) ([]byte, error) {
	stageCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	output, err := stage.Run(stageCtx, input)
	if err == nil {
		return output, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, NewTransientError(KindTimeout, fmt.Errorf("stage %s timed out after %s", stage.Name, stage.Timeout))
	}
	return nil, err
}

func (r *Runner) backoffDelay(attempt int) time.Duration {
	delay := r.backoffBase << uint(attempt)
	if delay > r.backoffCap || delay <= 0 {
		delay = r.backoffCap
	}
	return delay
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	rec, err := r.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			// Record expired or purged mid-run; nothing left to report to.
			return true, nil
		}
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return rec.CancelRequested, nil
}

// finish commits the terminal state. A compare-and-set conflict means another
// worker settled the job first; its result is authoritative and this one is
// discarded silently.
func (r *Runner) finish(ctx context.Context, jobID string, terminal status.State, result json.RawMessage, failure *status.FailureDetail) error {
	err := r.store.Transition(ctx, jobID, status.StateStarted, terminal, result, failure)
	if err == nil {
		r.logger.Info("Job reached terminal state",
			slog.String("job_id", jobID),
			slog.String("state", string(terminal)),
		)
		return nil
	}

	if errors.Is(err, status.ErrStateConflict) || errors.Is(err, status.ErrNotFound) {
		r.logger.Warn("Discarding job outcome, record already settled or gone",
			slog.String("job_id", jobID),
			slog.String("attempted_state", string(terminal)),
		)
		return nil
	}
	return fmt.Errorf("failed to record terminal state: %w", err)
}

// failureDetail maps a stage error onto the stable failure taxonomy.
func failureDetail(stageName string, err error) *status.FailureDetail {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return &status.FailureDetail{
			Stage:   stageName,
			Kind:    terminal.Kind,
			Message: terminal.Err.Error(),
		}
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return &status.FailureDetail{
			Stage:   stageName,
			Kind:    transient.Kind,
			Message: transient.Err.Error(),
		}
	}

	return &status.FailureDetail{
		Stage:   stageName,
		Kind:    KindInternal,
		Message: err.Error(),
	}
}
