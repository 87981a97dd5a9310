package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scenely/media-jobs/internal/media"
	"github.com/scenely/media-jobs/internal/pipeline"
	"github.com/scenely/media-jobs/internal/provider"
)

// TaskTranscribeThenAnalyze runs the full lesson pipeline:
// fetch -> transcribe -> analyze -> persist.
const TaskTranscribeThenAnalyze = "transcribe_then_analyze"

// Stage names recorded in failure details.
const (
	StageFetch      = "fetch"
	StageTranscribe = "transcribe"
	StageAnalyze    = "analyze"
	StagePersist    = "persist"
)

// MediaFetcher resolves a media reference to audio bytes.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Transcriber is the speech-to-text provider boundary.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (*provider.Transcript, error)
}

// Analyzer is the language-model provider boundary.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (*provider.Analysis, error)
}

// ArtifactStore persists the finished analysis outside the status store.
type ArtifactStore interface {
	SaveResult(ctx context.Context, jobID string, result json.RawMessage) error
}

// StageLimits bounds one stage's execution, from configuration.
type StageLimits struct {
	Timeout       time.Duration
	Retries       int
	NonIdempotent bool
}

// Deps wires the external collaborators into the pipeline stages. Limits maps
// stage names to their configured timeout and retry budget; missing entries
// fall back to no timeout and a single attempt.
type Deps struct {
	Fetcher     MediaFetcher
	Transcriber Transcriber
	Analyzer    Analyzer
	Artifacts   ArtifactStore
	Limits      map[string]StageLimits
}

// Intermediate stage payloads. Each stage's output JSON feeds the next stage.
type fetchOutput struct {
	MediaRef string `json:"media_ref"`
	Language string `json:"language"`
	AudioB64 string `json:"audio_b64"`
}

type transcribeOutput struct {
	Language   string              `json:"language"`
	Transcript provider.Transcript `json:"transcript"`
}

// Result is the job's final payload: the analysis plus the full transcript
// text it was derived from.
type Result struct {
	ResultType string            `json:"result_type"`
	Language   string            `json:"language"`
	FullText   string            `json:"full_text"`
	Analysis   provider.Analysis `json:"analysis"`
}

// Register adds the transcribe_then_analyze pipeline to the registry.
func Register(reg *pipeline.Registry, deps Deps) {
	reg.Register(TaskTranscribeThenAnalyze, func(jobID string, args []string) (*pipeline.Pipeline, error) {
		if len(args) < 1 || args[0] == "" {
			return nil, pipeline.NewTerminalError(pipeline.KindMalformedInput, errors.New("missing media reference argument"))
		}
		mediaRef := args[0]
		language := "en-US"
		if len(args) > 1 && args[1] != "" {
			language = args[1]
		}

		stages := []pipeline.Stage{
			withLimits(deps.Limits, pipeline.Stage{
				Name: StageFetch,
				Run: func(ctx context.Context, _ []byte) ([]byte, error) {
					return runFetch(ctx, deps.Fetcher, mediaRef, language)
				},
			}),
			withLimits(deps.Limits, pipeline.Stage{
				Name: StageTranscribe,
				Run: func(ctx context.Context, input []byte) ([]byte, error) {
					return runTranscribe(ctx, deps.Transcriber, input)
				},
			}),
			withLimits(deps.Limits, pipeline.Stage{
				Name: StageAnalyze,
				Run: func(ctx context.Context, input []byte) ([]byte, error) {
					return runAnalyze(ctx, deps.Analyzer, input)
				},
			}),
			withLimits(deps.Limits, pipeline.Stage{
				Name: StagePersist,
				Run: func(ctx context.Context, input []byte) ([]byte, error) {
					return runPersist(ctx, deps.Artifacts, jobID, input)
				},
			}),
		}

		return &pipeline.Pipeline{TaskName: TaskTranscribeThenAnalyze, Stages: stages}, nil
	})
}

// withLimits applies the configured timeout/retry budget for the stage name.
func withLimits(limits map[string]StageLimits, s pipeline.Stage) pipeline.Stage {
	if limits == nil {
		return s
	}
	if l, ok := limits[s.Name]; ok {
		s.Timeout = l.Timeout
		s.Retries = l.Retries
		s.NonIdempotent = l.NonIdempotent
	}
	return s
}

func runFetch(ctx context.Context, fetcher MediaFetcher, mediaRef, language string) ([]byte, error) {
	audio, err := fetcher.Fetch(ctx, mediaRef)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	return json.Marshal(fetchOutput{
		MediaRef: mediaRef,
		Language: language,
		AudioB64: base64.StdEncoding.EncodeToString(audio),
	})
}

func runTranscribe(ctx context.Context, transcriber Transcriber, input []byte) ([]byte, error) {
	var in fetchOutput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, pipeline.NewTerminalError(pipeline.KindInternal, fmt.Errorf("bad fetch output: %w", err))
	}
	audio, err := base64.StdEncoding.DecodeString(in.AudioB64)
	if err != nil {
		return nil, pipeline.NewTerminalError(pipeline.KindInternal, fmt.Errorf("bad audio encoding: %w", err))
	}

	transcript, err := transcriber.Transcribe(ctx, audio, in.Language)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return json.Marshal(transcribeOutput{
		Language:   in.Language,
		Transcript: *transcript,
	})
}

func runAnalyze(ctx context.Context, analyzer Analyzer, input []byte) ([]byte, error) {
	var in transcribeOutput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, pipeline.NewTerminalError(pipeline.KindInternal, fmt.Errorf("bad transcribe output: %w", err))
	}

	analysis, err := analyzer.Analyze(ctx, in.Transcript.Text)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return json.Marshal(Result{
		ResultType: "DAILY_LESSON_V2",
		Language:   in.Language,
		FullText:   in.Transcript.Text,
		Analysis:   *analysis,
	})
}

func runPersist(ctx context.Context, artifacts ArtifactStore, jobID string, input []byte) ([]byte, error) {
	if err := artifacts.SaveResult(ctx, jobID, json.RawMessage(input)); err != nil {
		return nil, pipeline.NewTransientError(pipeline.KindUnavailable, fmt.Errorf("failed to persist artifact: %w", err))
	}
	// The persisted analysis is also the job's result payload.
	return input, nil
}

// classifyProviderError maps the provider error taxonomy onto the stage retry
// policy.
func classifyProviderError(err error) error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.Retryable {
			return pipeline.NewTransientError(pipeline.KindUnavailable, err)
		}
		return pipeline.NewTerminalError(pipeline.KindProviderRejected, err)
	}
	return err
}

func classifyFetchError(err error) error {
	switch {
	case errors.Is(err, media.ErrBadReference):
		return pipeline.NewTerminalError(pipeline.KindMalformedInput, err)
	case errors.Is(err, media.ErrSourceRejected):
		return pipeline.NewTerminalError(pipeline.KindProviderRejected, err)
	case errors.Is(err, media.ErrSourceUnavailable):
		return pipeline.NewTransientError(pipeline.KindUnavailable, err)
	default:
		return err
	}
}
