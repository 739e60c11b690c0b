package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexibooks/api/internal/model"
)

const (
	jobKeyPrefix      = "job:"
	bookIndexPrefix   = "jobs:book:"
	statusIndexPrefix = "jobs:status:"
	activeGuardSuffix = ":active"
)

// JobRepository persists job records in Redis together with two secondary
// indices: a per-book set and a per-status set. Index entries may go stale
// when a record expires; lookups repair them lazily (read-repair) and the
// janitor sweeps the rest.
type JobRepository struct {
	redis     *redis.Client
	retention time.Duration
}

func NewJobRepository(redisClient *redis.Client, retention time.Duration) *JobRepository {
	return &JobRepository{
		redis:     redisClient,
		retention: retention,
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func bookKey(bookID string) string {
	return bookIndexPrefix + bookID
}

func statusKey(status model.JobStatus) string {
	return statusIndexPrefix + string(status)
}

func activeGuardKey(bookID string) string {
	return bookIndexPrefix + bookID + activeGuardSuffix
}

func resultKey(id string) string {
	return jobKeyPrefix + id + ":result"
}

// connErr wraps Redis transport failures so callers can match ErrQueueConnection.
func connErr(err error) error {
	return fmt.Errorf("%w: %v", ErrQueueConnection, err)
}

// CreateJob writes the job record and inserts it into the book and status
// indices. With checkDuplicate set, it fails with ErrJobAlreadyExists and
// performs no writes if an active job already exists for the book.
func (r *JobRepository) CreateJob(ctx context.Context, job *model.ProcessingJob, checkDuplicate bool) (*model.ProcessingJob, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = model.JobStatusQueued
	job.Progress = 0

	if checkDuplicate {
		existing, err := r.GetActiveJobForBook(ctx, job.BookID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w (job %s)", ErrJobAlreadyExists, existing.ID)
		}

		// SETNX guard closes the gap between the index scan and the record
		// write, so concurrent enqueues for the same book cannot both pass.
		ok, err := r.redis.SetNX(ctx, activeGuardKey(job.BookID), job.ID, 0).Result()
		if err != nil {
			return nil, connErr(err)
		}
		if !ok {
			return nil, fmt.Errorf("%w (book %s)", ErrJobAlreadyExists, job.BookID)
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.SAdd(ctx, bookKey(job.BookID), job.ID)
	pipe.SAdd(ctx, statusKey(job.Status), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		if checkDuplicate {
			r.redis.Del(ctx, activeGuardKey(job.BookID))
		}
		return nil, connErr(err)
	}

	return job, nil
}

// GetJob fetches a job record by ID.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	data, err := r.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, connErr(err)
	}

	var job model.ProcessingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// GetActiveJobForBook scans the per-book index for a queued or processing
// job. Index members whose records are gone or terminal are pruned as a side
// effect, so a stale entry never produces a false "active" result.
func (r *JobRepository) GetActiveJobForBook(ctx context.Context, bookID string) (*model.ProcessingJob, error) {
	ids, err := r.redis.SMembers(ctx, bookKey(bookID)).Result()
	if err != nil {
		return nil, connErr(err)
	}

	var active *model.ProcessingJob
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				r.redis.SRem(ctx, bookKey(bookID), id)
				continue
			}
			return nil, err
		}
		if job.Status.IsActive() && active == nil {
			active = job
		}
	}
	if active == nil {
		// Clear a guard that outlived its job so the book is not locked out.
		// The guarded record may be gone, or terminal but still indexed while
		// its retention TTL runs, if the release on the terminal transition
		// was lost.
		if guarded, err := r.redis.Get(ctx, activeGuardKey(bookID)).Result(); err == nil {
			if r.guardIsStale(ctx, guarded) {
				r.redis.Del(ctx, activeGuardKey(bookID))
			}
		}
	}
	return active, nil
}

// guardIsStale reports whether a guard's job is missing or terminal.
func (r *JobRepository) guardIsStale(ctx context.Context, jobID string) bool {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return errors.Is(err, ErrJobNotFound)
	}
	return job.Status.IsTerminal()
}

// UpdateJobStatus moves the job between status indices and stamps
// startedAt/completedAt as dictated by the transition. Terminal records are
// immutable and get the configured retention TTL.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID string, newStatus model.JobStatus, errMsg string) (*model.ProcessingJob, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	oldStatus := job.Status
	if oldStatus.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, jobID, oldStatus)
	}

	now := time.Now().UTC()
	job.Status = newStatus
	if errMsg != "" {
		job.Error = &errMsg
	}
	if newStatus == model.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if newStatus.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	var recordTTL time.Duration
	if newStatus.IsTerminal() {
		recordTTL = r.retention
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), data, recordTTL)
	if oldStatus != newStatus {
		pipe.SRem(ctx, statusKey(oldStatus), jobID)
		pipe.SAdd(ctx, statusKey(newStatus), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, connErr(err)
	}

	if newStatus.IsTerminal() {
		// Release the active-job guard only if this job still owns it.
		if guarded, err := r.redis.Get(ctx, activeGuardKey(job.BookID)).Result(); err == nil && guarded == jobID {
			r.redis.Del(ctx, activeGuardKey(job.BookID))
		}
	}

	log.Printf("Job %s status: %s -> %s", jobID, oldStatus, newStatus)
	return job, nil
}

// UpdateJobProgress writes the current progress and step. Progress is clamped
// to [0,100] and never decreases; status is never touched here. Only a
// processing job accepts the write, so a lagging reporter cannot mutate a
// record that was cancelled or finished under it.
func (r *JobRepository) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (*model.ProcessingJob, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusProcessing {
		return job, nil
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	if step != "" {
		job.CurrentStep = step
	}

	return job, r.saveJob(ctx, job)
}

// UpdateJobStages records which stages completed and which failed. Terminal
// records are left untouched.
func (r *JobRepository) UpdateJobStages(ctx context.Context, jobID string, completed, failed []string) (*model.ProcessingJob, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	job.CompletedStages = completed
	job.FailedStages = failed
	return job, r.saveJob(ctx, job)
}

// SaveJobResult stores the aggregate stage result payload alongside the
// record, under its own key so the record JSON stays small. Results share the
// terminal retention window.
func (r *JobRepository) SaveJobResult(ctx context.Context, jobID string, result []byte) error {
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return err
	}
	if err := r.redis.Set(ctx, resultKey(jobID), result, r.retention).Err(); err != nil {
		return connErr(err)
	}
	return nil
}

// GetJobResult returns the stored result payload, or nil when none exists.
func (r *JobRepository) GetJobResult(ctx context.Context, jobID string) ([]byte, error) {
	data, err := r.redis.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, connErr(err)
	}
	return data, nil
}

// IncrementRetryCount bumps the transport-level retry counter. Terminal
// records are left untouched.
func (r *JobRepository) IncrementRetryCount(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	job.RetryCount++
	return job, r.saveJob(ctx, job)
}

// ListJobs returns jobs newest-first, optionally filtered by status and/or
// book. With no filters the union of all status indices is scanned.
func (r *JobRepository) ListJobs(ctx context.Context, status model.JobStatus, bookID string, limit, offset int) ([]*model.ProcessingJob, error) {
	var ids []string
	var sourceKey string
	var err error

	switch {
	case bookID != "":
		sourceKey = bookKey(bookID)
		ids, err = r.redis.SMembers(ctx, sourceKey).Result()
	case status != "":
		sourceKey = statusKey(status)
		ids, err = r.redis.SMembers(ctx, sourceKey).Result()
	default:
		keys := make([]string, 0, len(model.ValidStatuses))
		for _, s := range model.ValidStatuses {
			keys = append(keys, statusKey(s))
		}
		ids, err = r.redis.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, connErr(err)
	}

	jobs := make([]*model.ProcessingJob, 0, len(ids))
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				if sourceKey != "" {
					r.redis.SRem(ctx, sourceKey, id)
				} else {
					// Union scan: the owning status set is unknown, so
					// repair all of them.
					for _, s := range model.ValidStatuses {
						r.redis.SRem(ctx, statusKey(s), id)
					}
				}
				continue
			}
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		if bookID != "" && job.BookID != bookID {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []*model.ProcessingJob{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// DeleteJob removes the record and its index entries. Returns false if the
// job did not exist.
func (r *JobRepository) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.Del(ctx, resultKey(jobID))
	pipe.SRem(ctx, bookKey(job.BookID), jobID)
	pipe.SRem(ctx, statusKey(job.Status), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, connErr(err)
	}

	if guarded, err := r.redis.Get(ctx, activeGuardKey(job.BookID)).Result(); err == nil && guarded == jobID {
		r.redis.Del(ctx, activeGuardKey(job.BookID))
	}
	return true, nil
}

// CountJobsByStatus returns the cardinality of every status index.
func (r *JobRepository) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	counts := make(map[model.JobStatus]int64, len(model.ValidStatuses))
	for _, s := range model.ValidStatuses {
		n, err := r.redis.SCard(ctx, statusKey(s)).Result()
		if err != nil {
			return nil, connErr(err)
		}
		counts[s] = n
	}
	return counts, nil
}

// PruneIndices removes index members whose records have expired and clears
// active guards pointing at missing records. Called periodically by the
// janitor; the same repair also happens lazily on reads.
func (r *JobRepository) PruneIndices(ctx context.Context) (int, error) {
	pruned := 0

	for _, s := range model.ValidStatuses {
		removed, err := r.pruneSet(ctx, statusKey(s))
		if err != nil {
			return pruned, err
		}
		pruned += removed
	}

	iter := r.redis.Scan(ctx, 0, bookIndexPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, activeGuardSuffix) {
			jobID, err := r.redis.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			if r.guardIsStale(ctx, jobID) {
				r.redis.Del(ctx, key)
				pruned++
			}
			continue
		}
		removed, err := r.pruneSet(ctx, key)
		if err != nil {
			return pruned, err
		}
		pruned += removed
	}
	if err := iter.Err(); err != nil {
		return pruned, connErr(err)
	}
	return pruned, nil
}

func (r *JobRepository) pruneSet(ctx context.Context, setKey string) (int, error) {
	ids, err := r.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, connErr(err)
	}
	removed := 0
	for _, id := range ids {
		exists, err := r.redis.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return removed, connErr(err)
		}
		if exists == 0 {
			r.redis.SRem(ctx, setKey, id)
			removed++
		}
	}
	return removed, nil
}

// saveJob rewrites the record preserving its remaining TTL.
func (r *JobRepository) saveJob(ctx context.Context, job *model.ProcessingJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.redis.Set(ctx, jobKey(job.ID), data, redis.KeepTTL).Err(); err != nil {
		return connErr(err)
	}
	return nil
}
