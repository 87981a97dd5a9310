package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/scenely/media-jobs/internal/api/dto"
	"github.com/scenely/media-jobs/internal/api/model"
	"github.com/scenely/media-jobs/internal/api/storage"
	"github.com/scenely/media-jobs/internal/queue"
	"github.com/scenely/media-jobs/internal/status"
	"github.com/scenely/media-jobs/internal/tasks"
)

// CreateJob handles POST /api/v1/jobs
// Validates the submission and queues the transcription/analysis pipeline.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	mediaRef, err := h.resolveMediaRef(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	targetLang := req.TargetLang
	if targetLang == "" {
		targetLang = "en-US"
	}

	jobID, err := h.dispatcher.Submit(c.Request.Context(), tasks.TaskTranscribeThenAnalyze, []string{mediaRef, targetLang})
	if err != nil {
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		if errors.Is(err, queue.ErrEnqueue) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Job queue unavailable, please retry",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		JobID:      jobID,
		TaskName:   tasks.TaskTranscribeThenAnalyze,
		SourceType: req.SourceType,
		MediaRef:   mediaRef,
		TargetLang: targetLang,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.storage.CreateJob(c.Request.Context(), &job); err != nil {
		// The job is already queued; the metadata row is best-effort.
		h.logger.Error("Failed to persist job metadata",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:      jobID,
		TaskName:   job.TaskName,
		State:      string(status.StatePending),
		SourceType: job.SourceType,
		TargetLang: job.TargetLang,
		CreatedAt:  now.Format(time.RFC3339),
	})
}

// resolveMediaRef validates the source fields and produces the fetchable
// media reference handed to the pipeline.
func (h *JobHandler) resolveMediaRef(req *dto.CreateJobRequest) (string, error) {
	switch req.SourceType {
	case "upload":
		if req.UploadID == "" {
			return "", errors.New("upload_id is required when source_type is 'upload'")
		}
		return strings.TrimRight(h.uploadBaseURL, "/") + "/uploads/" + req.UploadID, nil
	case "youtube":
		if req.YoutubeURL == "" {
			return "", errors.New("youtube_url is required when source_type is 'youtube'")
		}
		return req.YoutubeURL, nil
	default:
		return "", errors.New("source_type must be 'upload' or 'youtube'")
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the live status record, enriched with submission metadata.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	rec, err := h.status.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "unknown job",
			})
			return
		}
		h.logger.Error("Failed to get job status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job status",
		})
		return
	}

	resp := dto.JobStatusResponse{
		JobID:     jobID,
		State:     string(rec.State),
		Result:    rec.Result,
		Failure:   rec.Failure,
		UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
	}
	if !rec.ExpiresAt.IsZero() {
		resp.ExpiresAt = rec.ExpiresAt.Format(time.RFC3339)
	}

	if meta, err := h.storage.GetJobByID(c.Request.Context(), jobID); err == nil {
		resp.SourceType = meta.SourceType
		resp.TargetLang = meta.TargetLang
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Lists job metadata with optional filtering and keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		SourceType: req.SourceType,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	out := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = dto.JobDTO{
			JobID:      job.JobID,
			TaskName:   job.TaskName,
			SourceType: job.SourceType,
			MediaRef:   job.MediaRef,
			TargetLang: job.TargetLang,
			CreatedAt:  job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       out,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Sets the cancellation sentinel; the worker honors it at the next stage
// boundary.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.status.RequestCancel(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": jobID,
			"status": "cancellation requested",
		})
	case errors.Is(err, status.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown job",
		})
	case errors.Is(err, status.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already reached a terminal state",
		})
	default:
		h.logger.Error("Failed to request cancellation", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request cancellation",
		})
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Purges the status record and metadata immediately, ahead of passive
// expiration.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	statusErr := h.status.Purge(c.Request.Context(), jobID)
	if statusErr != nil && !errors.Is(statusErr, status.ErrNotFound) {
		h.logger.Error("Failed to purge status record", slog.String("error", statusErr.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to purge job",
		})
		return
	}

	metaErr := h.storage.DeleteJob(c.Request.Context(), jobID)
	if metaErr != nil && !errors.Is(metaErr, storage.ErrJobNotFound) {
		h.logger.Error("Failed to delete job metadata", slog.String("error", metaErr.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to purge job",
		})
		return
	}

	if errors.Is(statusErr, status.ErrNotFound) && errors.Is(metaErr, storage.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown job",
		})
		return
	}

	c.Status(http.StatusNoContent)
}
