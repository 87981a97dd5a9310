package pipeline

import (
	"context"
	"fmt"
	"time"
)

// StageFunc executes one pipeline step. The input is the previous stage's
// output (the serialized job arguments for the first stage); the output feeds
// the next stage, and the final stage's output becomes the job result.
type StageFunc func(ctx context.Context, input []byte) ([]byte, error)

// Stage is one named, ordered, retryable step of a job pipeline.
type Stage struct {
	Name    string
	Run     StageFunc
	Timeout time.Duration

	// Retries is the stage's retry budget: the total number of attempts made
	// before a persistent transient failure becomes terminal.
	Retries int

	// NonIdempotent marks stages whose partial effects cannot be safely
	// replayed. Transient failures of such stages are treated as terminal
	// instead of retried.
	NonIdempotent bool
}

// Pipeline is the ordered stage sequence for one task name.
type Pipeline struct {
	TaskName string
	Stages   []Stage
}

// Builder constructs a pipeline for one submission, given the job's ID and
// argument list. Returning an error marks the job as a terminal failure (for
// example, malformed arguments).
type Builder func(jobID string, args []string) (*Pipeline, error)

// Registry maps task names to pipeline builders. It is assembled at startup
// and handed to the worker pool; there is no dynamic task discovery.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register binds a task name to a builder. Duplicate registration panics:
// wiring happens once at startup and a collision is a programming error.
func (r *Registry) Register(taskName string, b Builder) {
	if _, ok := r.builders[taskName]; ok {
		panic(fmt.Sprintf("pipeline: task %q registered twice", taskName))
	}
	r.builders[taskName] = b
}

// Build constructs the pipeline for one job.
func (r *Registry) Build(taskName, jobID string, args []string) (*Pipeline, error) {
	b, ok := r.builders[taskName]
	if !ok {
		return nil, NewTerminalError(KindUnknownTask, fmt.Errorf("no pipeline registered for task %q", taskName))
	}
	return b(jobID, args)
}
