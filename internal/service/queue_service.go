package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/lexibooks/api/internal/config"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/repository"
)

// TaskTypeProcess is the asynq task type for pipeline jobs.
const TaskTypeProcess = "book:process"

// TaskPayload is the dispatch record pushed onto a priority lane. The record
// itself lives in Redis; the payload only carries the pointer to it.
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueService is the producer-facing API: enqueue, cancel, retry, list,
// stats. Dispatch goes through asynq with one queue per priority lane.
type QueueService struct {
	repo        *repository.JobRepository
	asynqClient *asynq.Client
	inspector   *asynq.Inspector
	hub         ProgressBroadcaster
	cfg         *config.QueueConfig
}

func NewQueueService(repo *repository.JobRepository, asynqClient *asynq.Client, inspector *asynq.Inspector, hub ProgressBroadcaster, cfg *config.QueueConfig) *QueueService {
	return &QueueService{
		repo:        repo,
		asynqClient: asynqClient,
		inspector:   inspector,
		hub:         hub,
		cfg:         cfg,
	}
}

// EnqueueJob persists a new job record and pushes its dispatch record onto
// the lane for its priority. If the push fails the record is deleted again,
// so enqueue is all-or-nothing for the caller.
func (s *QueueService) EnqueueJob(ctx context.Context, req *model.EnqueueJobRequest) (*model.ProcessingJob, error) {
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	job := &model.ProcessingJob{
		ID:          uuid.New().String(),
		BookID:      req.BookID,
		PublisherID: req.PublisherID,
		Type:        req.Type,
		Status:      model.JobStatusQueued,
		Priority:    priority,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	// Bundle jobs are keyed by their bundle target rather than a single
	// book, so they bypass the per-book duplicate check.
	checkDuplicate := req.Type != model.JobTypeBundle

	if _, err := s.repo.CreateJob(ctx, job, checkDuplicate); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, job); err != nil {
		// Compensating delete: no orphaned record survives a failed enqueue.
		if _, delErr := s.repo.DeleteJob(ctx, job.ID); delErr != nil {
			log.Printf("Failed to roll back job %s after dispatch error: %v", job.ID, delErr)
		}
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	log.Printf("Enqueued job %s (book=%s type=%s priority=%s)", job.ID, job.BookID, job.Type, job.Priority)
	return job, nil
}

func (s *QueueService) dispatch(ctx context.Context, job *model.ProcessingJob) error {
	body, err := json.Marshal(TaskPayload{JobID: job.ID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeProcess, body)
	_, err = s.asynqClient.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(s.cfg.LaneFor(job.Priority)),
		asynq.MaxRetry(s.cfg.MaxRetries),
		asynq.Timeout(s.cfg.JobTimeout),
		asynq.Retention(s.cfg.Retention),
	)
	return err
}

// GetJobStatus returns the current job record.
func (s *QueueService) GetJobStatus(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	return s.repo.GetJob(ctx, jobID)
}

// GetJobResult returns the record with its stored result payload attached.
func (s *QueueService) GetJobResult(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result, err := s.repo.GetJobResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Result = result
	return job, nil
}

// CancelJob cancels a queued or processing job. The record is marked
// cancelled first, so a worker that observes the abort signal always finds
// the intent already recorded; the asynq signal afterwards is best-effort,
// and the dispatcher checks the record before each stage regardless.
func (s *QueueService) CancelJob(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsActive() {
		return nil, fmt.Errorf("%w: cannot cancel a %s job", repository.ErrInvalidTransition, job.Status)
	}

	cancelled, err := s.repo.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusQueued:
		if err := s.inspector.DeleteTask(s.cfg.LaneFor(job.Priority), jobID); err != nil {
			log.Printf("Could not remove queued task %s: %v", jobID, err)
		}
	case model.JobStatusProcessing:
		if err := s.inspector.CancelProcessing(jobID); err != nil {
			log.Printf("Could not signal worker for job %s: %v", jobID, err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastProgress(jobID, cancelled.Progress, model.JobStatusCancelled, cancelled.CurrentStep)
	}
	return cancelled, nil
}

// RetryJob creates a brand-new job for a failed or partial one. The original
// record keeps its terminal status; the new job carries a retry_of
// back-reference in its metadata and defaults to high priority.
func (s *QueueService) RetryJob(ctx context.Context, jobID string, priority model.JobPriority) (*model.ProcessingJob, error) {
	orig, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.JobStatusFailed && orig.Status != model.JobStatusPartial {
		return nil, fmt.Errorf("%w: cannot retry a %s job", repository.ErrInvalidTransition, orig.Status)
	}

	if priority == "" {
		priority = model.PriorityHigh
	}

	metadata := make(map[string]string, len(orig.Metadata)+1)
	for k, v := range orig.Metadata {
		metadata[k] = v
	}
	metadata[model.MetadataRetryOf] = orig.ID

	return s.EnqueueJob(ctx, &model.EnqueueJobRequest{
		BookID:      orig.BookID,
		PublisherID: orig.PublisherID,
		Type:        orig.Type,
		Priority:    priority,
		Metadata:    metadata,
	})
}

// ListJobs returns jobs newest-first with optional status/book filters.
func (s *QueueService) ListJobs(ctx context.Context, query *model.ListJobsQuery) ([]*model.ProcessingJob, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListJobs(ctx, query.Status, query.BookID, limit, query.Offset)
}

// GetQueueStats summarizes the status indices plus live worker activity.
func (s *QueueService) GetQueueStats(ctx context.Context) (*model.QueueStats, error) {
	counts, err := s.repo.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &model.QueueStats{
		Queued:     counts[model.JobStatusQueued],
		Processing: counts[model.JobStatusProcessing],
		Completed:  counts[model.JobStatusCompleted],
		Failed:     counts[model.JobStatusFailed],
	}
	for _, n := range counts {
		stats.Total += n
	}

	if servers, err := s.inspector.Servers(); err == nil {
		for _, srv := range servers {
			stats.ActiveWorkers += len(srv.ActiveWorkers)
		}
	}
	return stats, nil
}

// GetProgressReporter returns a reporter bound to the job, weighted for the
// stage sequence its type runs.
func (s *QueueService) GetProgressReporter(ctx context.Context, jobID string) (*ProgressReporter, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewProgressReporter(s.repo, s.hub, job.ID, job.Type), nil
}
