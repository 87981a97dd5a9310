package dto

import (
	"encoding/json"

	"github.com/scenely/media-jobs/internal/status"
)

type CreateJobRequest struct {
	SourceType string `json:"source_type" binding:"required"`
	UploadID   string `json:"upload_id"`
	YoutubeURL string `json:"youtube_url"`
	TargetLang string `json:"target_lang"`
}

type CreateJobResponse struct {
	JobID      string `json:"job_id"`
	TaskName   string `json:"task_name"`
	State      string `json:"state"`
	SourceType string `json:"source_type"`
	TargetLang string `json:"target_lang"`
	CreatedAt  string `json:"created_at"`
}

type JobStatusResponse struct {
	JobID      string                `json:"job_id"`
	State      string                `json:"state"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Failure    *status.FailureDetail `json:"failure,omitempty"`
	SourceType string                `json:"source_type,omitempty"`
	TargetLang string                `json:"target_lang,omitempty"`
	UpdatedAt  string                `json:"updated_at"`
	ExpiresAt  string                `json:"expires_at,omitempty"`
}

type ListJobsRequest struct {
	SourceType string `form:"source_type"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID      string `json:"job_id"`
	TaskName   string `json:"task_name"`
	SourceType string `json:"source_type"`
	MediaRef   string `json:"media_ref"`
	TargetLang string `json:"target_lang"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}
