package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenely/media-jobs/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(store status.Store, reg *Registry) *Runner {
	return NewRunner(store, reg, RunnerConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}, testLogger())
}

func registryWith(taskName string, stages ...Stage) *Registry {
	reg := NewRegistry()
	reg.Register(taskName, func(jobID string, args []string) (*Pipeline, error) {
		return &Pipeline{TaskName: taskName, Stages: stages}, nil
	})
	return reg
}

func TestRunner_Run_Success(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var firstCalls, secondCalls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "first", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			firstCalls.Add(1)
			assert.Nil(t, input)
			return []byte(`{"step":"one"}`), nil
		}},
		Stage{Name: "second", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			secondCalls.Add(1)
			assert.JSONEq(t, `{"step":"one"}`, string(input))
			return []byte(`{"step":"two"}`), nil
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	assert.Equal(t, int32(1), firstCalls.Load())
	assert.Equal(t, int32(1), secondCalls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateSuccess, rec.State)
	assert.JSONEq(t, `{"step":"two"}`, string(rec.Result))
	assert.Nil(t, rec.Failure)
}

func TestRunner_Run_TerminalStageFailure(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "first", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte(`{}`), nil
		}},
		Stage{Name: "second", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			return nil, NewTerminalError(KindProviderRejected, errors.New("unsupported codec"))
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	// Terminal failures are never retried.
	assert.Equal(t, int32(1), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, "second", rec.Failure.Stage)
	assert.Equal(t, KindProviderRejected, rec.Failure.Kind)
	assert.Contains(t, rec.Failure.Message, "unsupported codec")
}

func TestRunner_Run_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "flaky", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			return nil, NewTransientError(KindUnavailable, errors.New("connection refused"))
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	// The budget is total attempts: exactly three, then the job fails.
	assert.Equal(t, int32(3), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, "flaky", rec.Failure.Stage)
	assert.Equal(t, KindRetryExhausted, rec.Failure.Kind)
	assert.Contains(t, rec.Failure.Message, "connection refused")
}

func TestRunner_Run_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "flaky", Retries: 3, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			if calls.Add(1) < 3 {
				return nil, NewTransientError(KindUnavailable, errors.New("temporarily down"))
			}
			return []byte(`{"ok":true}`), nil
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	assert.Equal(t, int32(3), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateSuccess, rec.State)
}

func TestRunner_Run_NonIdempotentStageFailsTerminally(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "charge", Retries: 5, NonIdempotent: true, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			return nil, NewTransientError(KindUnavailable, errors.New("timeout mid-write"))
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	// Replaying a partially applied stage is unsafe, so no second attempt.
	assert.Equal(t, int32(1), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, KindUnavailable, rec.Failure.Kind)
}

func TestRunner_Run_StageTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "slow", Retries: 2, Timeout: 10 * time.Millisecond, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	assert.Equal(t, int32(2), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, KindRetryExhausted, rec.Failure.Kind)
	assert.Contains(t, rec.Failure.Message, "timed out")
}

func TestRunner_Run_UnknownTask(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	runner := newTestRunner(store, NewRegistry())
	require.NoError(t, runner.Run(ctx, "job-1", "does_not_exist", nil))

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, KindUnknownTask, rec.Failure.Kind)
}

func TestRunner_Run_MalformedArgs(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	reg := NewRegistry()
	reg.Register("task", func(jobID string, args []string) (*Pipeline, error) {
		return nil, NewTerminalError(KindMalformedInput, errors.New("missing media reference argument"))
	})

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, KindMalformedInput, rec.Failure.Kind)
}

func TestRunner_Run_DuplicateDeliveryOfSettledJob(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StateStarted))
	require.NoError(t, store.Transition(ctx, "job-1", status.StateStarted, status.StateSuccess, []byte(`{"winner":true}`), nil))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "only", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			return []byte(`{"winner":false}`), nil
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	// The settled outcome stands and the duplicate does no work.
	assert.Equal(t, int32(0), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateSuccess, rec.State)
	assert.JSONEq(t, `{"winner":true}`, string(rec.Result))
}

func TestRunner_Run_MessageBeforeRecord(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)

	reg := registryWith("task",
		Stage{Name: "only", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte(`{}`), nil
		}},
	)

	// No Create: the broker message won the race against the status write.
	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateSuccess, rec.State)
}

func TestRunner_Run_CancellationBeforeFirstStage(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))
	require.NoError(t, store.RequestCancel(ctx, "job-1"))

	var calls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "only", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			calls.Add(1)
			return []byte(`{}`), nil
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	assert.Equal(t, int32(0), calls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateCancelled, rec.State)
}

func TestRunner_Run_CancellationBetweenStages(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(ctx, "job-1", status.StatePending))

	var firstCalls, secondCalls atomic.Int32
	reg := registryWith("task",
		Stage{Name: "first", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			firstCalls.Add(1)
			// Cancellation arrives while the first stage is running.
			require.NoError(t, store.RequestCancel(ctx, "job-1"))
			return []byte(`{}`), nil
		}},
		Stage{Name: "second", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			secondCalls.Add(1)
			return []byte(`{}`), nil
		}},
	)

	runner := newTestRunner(store, reg)
	require.NoError(t, runner.Run(ctx, "job-1", "task", nil))

	// The running stage completes; the next stage boundary honors the request.
	assert.Equal(t, int32(1), firstCalls.Load())
	assert.Equal(t, int32(0), secondCalls.Load())

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateCancelled, rec.State)
	assert.Nil(t, rec.Result)
}

func TestRunner_Run_ShutdownLeavesJobStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := status.NewMemoryStore(time.Hour)
	require.NoError(t, store.Create(context.Background(), "job-1", status.StatePending))

	reg := registryWith("task",
		Stage{Name: "slow", Retries: 1, Run: func(ctx context.Context, input []byte) ([]byte, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)

	runner := newTestRunner(store, reg)
	err := runner.Run(ctx, "job-1", "task", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")

	// The record stays claimed so the redelivered message can finish the job.
	rec, getErr := store.Get(context.Background(), "job-1")
	require.NoError(t, getErr)
	assert.Equal(t, status.StateStarted, rec.State)
}

func TestRunner_BackoffDelay(t *testing.T) {
	runner := NewRunner(nil, nil, RunnerConfig{
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
	}, testLogger())

	assert.Equal(t, 500*time.Millisecond, runner.backoffDelay(0))
	assert.Equal(t, time.Second, runner.backoffDelay(1))
	assert.Equal(t, 2*time.Second, runner.backoffDelay(2))
	assert.Equal(t, 30*time.Second, runner.backoffDelay(10))
	assert.Equal(t, 30*time.Second, runner.backoffDelay(62), "overflow clamps to the cap")
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	builder := func(jobID string, args []string) (*Pipeline, error) { return &Pipeline{}, nil }

	reg.Register("task", builder)
	assert.Panics(t, func() { reg.Register("task", builder) })
}
