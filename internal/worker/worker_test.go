package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenely/media-jobs/internal/dispatch"
	"github.com/scenely/media-jobs/internal/pipeline"
	"github.com/scenely/media-jobs/internal/provider"
	"github.com/scenely/media-jobs/internal/queue"
	"github.com/scenely/media-jobs/internal/status"
	"github.com/scenely/media-jobs/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubFetcher struct {
	calls atomic.Int32
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("raw-audio"), nil
}

type stubTranscriber struct {
	calls atomic.Int32
	err   error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (*provider.Transcript, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Transcript{Text: "Hello there."}, nil
}

type stubAnalyzer struct {
	calls atomic.Int32
	err   error
}

func (s *stubAnalyzer) Analyze(ctx context.Context, transcript string) (*provider.Analysis, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Analysis{Summary: "A greeting.", Difficulty: "A2"}, nil
}

type stubArtifacts struct {
	calls atomic.Int32
	err   error
}

func (s *stubArtifacts) SaveResult(ctx context.Context, jobID string, result json.RawMessage) error {
	s.calls.Add(1)
	return s.err
}

type harness struct {
	queue       *queue.MemoryQueue
	store       *status.MemoryStore
	dispatcher  *dispatch.Dispatcher
	fetcher     *stubFetcher
	transcriber *stubTranscriber
	analyzer    *stubAnalyzer
	artifacts   *stubArtifacts
}

// startHarness wires a full in-process worker: memory broker, memory status
// store, and stubbed providers behind the real pipeline and runner.
func startHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		queue:       queue.NewMemoryQueue(time.Minute),
		store:       status.NewMemoryStore(time.Hour),
		fetcher:     &stubFetcher{},
		transcriber: &stubTranscriber{},
		analyzer:    &stubAnalyzer{},
		artifacts:   &stubArtifacts{},
	}
	h.dispatcher = dispatch.NewDispatcher(h.queue, h.store, testLogger())

	reg := pipeline.NewRegistry()
	tasks.Register(reg, tasks.Deps{
		Fetcher:     h.fetcher,
		Transcriber: h.transcriber,
		Analyzer:    h.analyzer,
		Artifacts:   h.artifacts,
		Limits: map[string]tasks.StageLimits{
			tasks.StageFetch:      {Timeout: time.Second, Retries: 3},
			tasks.StageTranscribe: {Timeout: time.Second, Retries: 3},
			tasks.StageAnalyze:    {Timeout: time.Second, Retries: 3},
			tasks.StagePersist:    {Timeout: time.Second, Retries: 3},
		},
	})

	runner := pipeline.NewRunner(h.store, reg, pipeline.RunnerConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}, testLogger())

	w := NewWorker(&Config{
		Logger:      testLogger(),
		Queue:       h.queue,
		Runner:      runner,
		Concurrency: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		w.Stop()
		h.queue.Close()
	})

	return h
}

func (h *harness) waitForTerminal(t *testing.T, jobID string) *status.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.Get(context.Background(), jobID)
		if err == nil && rec.State.IsTerminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestWorker_JobSucceeds(t *testing.T) {
	h := startHarness(t)

	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3", "en-US"})
	require.NoError(t, err)

	rec := h.waitForTerminal(t, jobID)
	assert.Equal(t, status.StateSuccess, rec.State)
	assert.Nil(t, rec.Failure)

	var result tasks.Result
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	assert.Equal(t, "DAILY_LESSON_V2", result.ResultType)
	assert.Equal(t, "Hello there.", result.FullText)
	assert.Equal(t, "A2", result.Analysis.Difficulty)

	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	assert.Equal(t, int32(1), h.transcriber.calls.Load())
	assert.Equal(t, int32(1), h.analyzer.calls.Load())
	assert.Equal(t, int32(1), h.artifacts.calls.Load())
}

func TestWorker_ProviderRejectionFailsJob(t *testing.T) {
	h := startHarness(t)
	h.transcriber.err = &provider.Error{
		Provider:   "transcription",
		StatusCode: 400,
		Kind:       provider.KindRejected,
		Message:    "unsupported audio format",
		Retryable:  false,
	}

	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3"})
	require.NoError(t, err)

	rec := h.waitForTerminal(t, jobID)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, tasks.StageTranscribe, rec.Failure.Stage)
	assert.Equal(t, pipeline.KindProviderRejected, rec.Failure.Kind)
	assert.Contains(t, rec.Failure.Message, "unsupported audio format")

	// Rejections are not retried and later stages never run.
	assert.Equal(t, int32(1), h.transcriber.calls.Load())
	assert.Equal(t, int32(0), h.analyzer.calls.Load())
	assert.Equal(t, int32(0), h.artifacts.calls.Load())
}

func TestWorker_TransientFailureExhaustsRetries(t *testing.T) {
	h := startHarness(t)
	h.transcriber.err = &provider.Error{
		Provider:   "transcription",
		StatusCode: 503,
		Kind:       provider.KindUnavailable,
		Message:    "overloaded",
		Retryable:  true,
	}

	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3"})
	require.NoError(t, err)

	rec := h.waitForTerminal(t, jobID)
	assert.Equal(t, status.StateFailure, rec.State)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, tasks.StageTranscribe, rec.Failure.Stage)
	assert.Equal(t, pipeline.KindRetryExhausted, rec.Failure.Kind)

	assert.Equal(t, int32(3), h.transcriber.calls.Load())
	assert.Equal(t, int32(0), h.analyzer.calls.Load())
}

func TestWorker_DuplicateDeliverySettlesOnce(t *testing.T) {
	h := startHarness(t)

	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3"})
	require.NoError(t, err)

	// The broker redelivers the same message, as at-least-once allows.
	require.NoError(t, h.queue.Publish(context.Background(), &queue.Message{
		JobID:      jobID,
		TaskName:   tasks.TaskTranscribeThenAnalyze,
		Args:       []string{"http://x/a.mp3"},
		EnqueuedAt: time.Now().UTC(),
	}))

	rec := h.waitForTerminal(t, jobID)
	assert.Equal(t, status.StateSuccess, rec.State)

	// Give the duplicate time to be consumed and discarded.
	time.Sleep(100 * time.Millisecond)

	rec, getErr := h.store.Get(context.Background(), jobID)
	require.NoError(t, getErr)
	assert.Equal(t, status.StateSuccess, rec.State)
	assert.Equal(t, int32(1), h.artifacts.calls.Load())
}

func TestWorker_MalformedMessageIsDropped(t *testing.T) {
	h := startHarness(t)

	// A message with no job ID can never be processed.
	require.NoError(t, h.queue.Publish(context.Background(), &queue.Message{
		TaskName: tasks.TaskTranscribeThenAnalyze,
	}))

	// Then a valid job, which must still get through.
	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3"})
	require.NoError(t, err)

	rec := h.waitForTerminal(t, jobID)
	assert.Equal(t, status.StateSuccess, rec.State)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestWorker_CancelledJob(t *testing.T) {
	h := startHarness(t)

	// Cancellation lands before the worker picks the job up, so the runner
	// observes the sentinel at the first stage boundary.
	jobID, err := h.dispatcher.Submit(context.Background(), tasks.TaskTranscribeThenAnalyze, []string{"http://x/a.mp3"})
	require.NoError(t, err)
	if cancelErr := h.store.RequestCancel(context.Background(), jobID); cancelErr != nil {
		// The worker may have already settled the job; either way it must end
		// terminal.
		require.ErrorIs(t, cancelErr, status.ErrStateConflict)
	}

	rec := h.waitForTerminal(t, jobID)
	assert.True(t, rec.State.IsTerminal())
	if rec.State == status.StateCancelled {
		assert.Nil(t, rec.Result)
	}
}
