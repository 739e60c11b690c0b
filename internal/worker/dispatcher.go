package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/repository"
	"github.com/lexibooks/api/internal/service"
)

// JobStore is the slice of the repository the dispatcher needs. It also
// satisfies service.ProgressSink, so reporters write through the same store.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.ProcessingJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, newStatus model.JobStatus, errMsg string) (*model.ProcessingJob, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (*model.ProcessingJob, error)
	UpdateJobStages(ctx context.Context, jobID string, completed, failed []string) (*model.ProcessingJob, error)
	SaveJobResult(ctx context.Context, jobID string, result []byte) error
	IncrementRetryCount(ctx context.Context, jobID string) (*model.ProcessingJob, error)
}

// Broadcaster pushes job events to subscribed clients. Optional.
type Broadcaster interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastComplete(jobID string, result any)
	BroadcastError(jobID string, code, message string)
}

// Dispatcher pulls dispatched jobs off the priority lanes and runs the stage
// sequence for the job's type, recording every outcome in the job store.
type Dispatcher struct {
	store     JobStore
	hub       Broadcaster
	sequences map[model.JobType][]Stage
}

func NewDispatcher(store JobStore, hub Broadcaster, stages ...Stage) *Dispatcher {
	return &Dispatcher{
		store:     store,
		hub:       hub,
		sequences: buildSequences(stages),
	}
}

// ProcessTask handles one dispatched job. Business failures are recorded
// terminally and return nil so the transport never re-runs them; only
// store-connectivity errors before an outcome is recorded propagate to asynq
// for a bounded transport retry.
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) (err error) {
	var payload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	jobID := payload.JobID

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			log.Printf("Job %s record gone, dropping task", jobID)
			return nil
		}
		return err
	}

	if n, ok := asynq.GetRetryCount(ctx); ok && n > 0 {
		if _, err := d.store.IncrementRetryCount(ctx, jobID); err != nil {
			log.Printf("Failed to bump retry count for job %s: %v", jobID, err)
		}
	}

	if job.Status.IsTerminal() {
		// Cancelled while queued, or a redelivery of a finished job.
		log.Printf("Job %s already %s, skipping", jobID, job.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic in pipeline: %v", r)
			if _, ferr := d.store.UpdateJobStatus(ctx, jobID, model.JobStatusFailed, msg); ferr != nil {
				log.Printf("Failed to mark job %s failed after panic: %v", jobID, ferr)
			}
			err = nil
		}
	}()

	if job.Status == model.JobStatusQueued {
		if _, err := d.store.UpdateJobStatus(ctx, jobID, model.JobStatusProcessing, ""); err != nil {
			return err
		}
	}

	log.Printf("Starting job %s (book=%s type=%s)", jobID, job.BookID, job.Type)
	reporter := service.NewProgressReporter(d.store, d.hub, jobID, job.Type)
	in := StageInput{
		BookID:      job.BookID,
		PublisherID: job.PublisherID,
		Metadata:    job.Metadata,
		Reporter:    reporter,
	}

	var completed, failed []string
	var stageErrs []string
	results := make(map[string]any)

	for _, stage := range d.sequences[job.Type] {
		// Cooperative cancellation: re-check the record before each stage.
		current, err := d.store.GetJob(ctx, jobID)
		if err == nil && current.Status == model.JobStatusCancelled {
			log.Printf("Job %s cancelled, stopping before %s", jobID, stage.Name())
			return nil
		}
		if ctx.Err() != nil {
			return d.handleInterrupt(ctx, jobID)
		}

		if err := reporter.Report(ctx, stage.Name(), 0); err != nil {
			log.Printf("Failed to report progress for job %s: %v", jobID, err)
		}

		result, err := stage.Run(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return d.handleInterrupt(ctx, jobID)
			}
			if IsCritical(stage.Name()) {
				failed = append(failed, stage.Name())
				if _, serr := d.store.UpdateJobStages(ctx, jobID, completed, failed); serr != nil {
					log.Printf("Failed to record stages for job %s: %v", jobID, serr)
				}
				msg := fmt.Sprintf("critical stage %s failed: %v", stage.Name(), err)
				return d.finish(ctx, jobID, model.JobStatusFailed, msg, nil)
			}
			log.Printf("Job %s stage %s failed (non-critical): %v", jobID, stage.Name(), err)
			failed = append(failed, stage.Name())
			stageErrs = append(stageErrs, fmt.Sprintf("%s: %v", stage.Name(), err))
			continue
		}

		if result != nil {
			results[stage.Name()] = result
		}
		if err := reporter.StepComplete(ctx, stage.Name()); err != nil {
			log.Printf("Failed to report progress for job %s: %v", jobID, err)
		}
		completed = append(completed, stage.Name())
	}

	if _, err := d.store.UpdateJobStages(ctx, jobID, completed, failed); err != nil {
		log.Printf("Failed to record stages for job %s: %v", jobID, err)
	}
	if len(results) > 0 {
		if data, err := json.Marshal(results); err == nil {
			if err := d.store.SaveJobResult(ctx, jobID, data); err != nil {
				log.Printf("Failed to save result for job %s: %v", jobID, err)
			}
		}
	}

	if len(stageErrs) > 0 {
		msg := "completed with errors: " + strings.Join(stageErrs, "; ")
		return d.finish(ctx, jobID, model.JobStatusPartial, msg, results)
	}
	return d.finish(ctx, jobID, model.JobStatusCompleted, "", results)
}

// finish records the terminal status. The update can legally fail with an
// invalid-transition error when a cancel won the race; that outcome stands.
func (d *Dispatcher) finish(ctx context.Context, jobID string, status model.JobStatus, errMsg string, results map[string]any) error {
	job, err := d.store.UpdateJobStatus(ctx, jobID, status, errMsg)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			log.Printf("Job %s already terminal, keeping recorded status", jobID)
			return nil
		}
		return err
	}

	if d.hub != nil {
		switch status {
		case model.JobStatusCompleted:
			d.hub.BroadcastComplete(jobID, results)
		case model.JobStatusPartial:
			d.hub.BroadcastComplete(jobID, results)
		case model.JobStatusFailed:
			d.hub.BroadcastError(jobID, "JOB_FAILED", errMsg)
		}
	}
	log.Printf("Job %s finished: %s", jobID, job.Status)
	return nil
}

// handleInterrupt sorts out why the context died: a cancel request leaves the
// already-recorded cancelled status in place, anything else (timeout,
// shutdown) is recorded as a failure.
func (d *Dispatcher) handleInterrupt(ctx context.Context, jobID string) error {
	bg := context.Background()
	job, err := d.store.GetJob(bg, jobID)
	if err == nil && job.Status == model.JobStatusCancelled {
		log.Printf("Job %s interrupted by cancel", jobID)
		return nil
	}
	msg := fmt.Sprintf("job interrupted: %v", ctx.Err())
	if _, err := d.store.UpdateJobStatus(bg, jobID, model.JobStatusFailed, msg); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return err
	}
	if d.hub != nil {
		d.hub.BroadcastError(jobID, "JOB_FAILED", msg)
	}
	return nil
}
