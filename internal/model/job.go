package model

import "time"

// ProcessingJob represents one run of the content pipeline for a book
type ProcessingJob struct {
	ID              string            `json:"id"`
	BookID          string            `json:"bookId"`
	PublisherID     string            `json:"publisherId"`
	Type            JobType           `json:"type"`
	Status          JobStatus         `json:"status"`
	Priority        JobPriority       `json:"priority"`
	Progress        int               `json:"progress"`
	CurrentStep     string            `json:"currentStep,omitempty"`
	Error           *string           `json:"error,omitempty"`
	RetryCount      int               `json:"retryCount"`
	CompletedStages []string          `json:"completedStages,omitempty"`
	FailedStages    []string          `json:"failedStages,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Result          []byte            `json:"-"` // Persisted under its own key
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// EnqueueJobRequest is the body for POST /api/jobs
type EnqueueJobRequest struct {
	BookID      string            `json:"bookId" validate:"required"`
	PublisherID string            `json:"publisherId" validate:"required"`
	Type        JobType           `json:"type" validate:"required,oneof=full text_only vocabulary_only audio_only bundle"`
	Priority    JobPriority       `json:"priority" validate:"omitempty,oneof=high normal low"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RetryJobRequest is the body for POST /api/jobs/:jobId/retry
type RetryJobRequest struct {
	Priority JobPriority `json:"priority" validate:"omitempty,oneof=high normal low"`
}

// ListJobsQuery carries the filters for GET /api/jobs
type ListJobsQuery struct {
	Status JobStatus `query:"status"`
	BookID string    `query:"bookId"`
	Limit  int       `query:"limit"`
	Offset int       `query:"offset"`
}

// QueueStats summarizes queue occupancy and worker activity
type QueueStats struct {
	Total         int64 `json:"total"`
	Queued        int64 `json:"queued"`
	Processing    int64 `json:"processing"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	ActiveWorkers int   `json:"activeWorkers"`
}
