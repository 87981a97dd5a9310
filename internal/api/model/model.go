package model

import "time"

// Job is the persistent metadata row for one submitted job. Lifecycle state
// lives in the status store; this row carries what the submission looked like.
type Job struct {
	JobID      string    `db:"job_id"`
	TaskName   string    `db:"task_name"`
	SourceType string    `db:"source_type"`
	MediaRef   string    `db:"media_ref"`
	TargetLang string    `db:"target_lang"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}
