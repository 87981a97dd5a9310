package handler

import (
	"log/slog"

	"github.com/scenely/media-jobs/internal/api/storage"
	"github.com/scenely/media-jobs/internal/dispatch"
	"github.com/scenely/media-jobs/internal/status"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Storage       *storage.Storage
	Dispatcher    *dispatch.Dispatcher
	Status        status.Store
	UploadBaseURL string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger        *slog.Logger
	storage       *storage.Storage
	dispatcher    *dispatch.Dispatcher
	status        status.Store
	uploadBaseURL string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:        deps.Logger,
		storage:       deps.Storage,
		dispatcher:    deps.Dispatcher,
		status:        deps.Status,
		uploadBaseURL: deps.UploadBaseURL,
	}
}
