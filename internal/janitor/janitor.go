// Package janitor runs the periodic index sweep. Terminal job records expire
// through their Redis TTL; the secondary indices cannot carry a TTL per
// member, so a scheduled pass removes entries left behind. The same repair
// also happens lazily on reads.
package janitor

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/lexibooks/api/internal/repository"
)

type Janitor struct {
	cron *cron.Cron
	repo *repository.JobRepository
}

func New(repo *repository.JobRepository) *Janitor {
	return &Janitor{
		cron: cron.New(),
		repo: repo,
	}
}

// Start registers the sweep and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@hourly", func() {
		pruned, err := j.repo.PruneIndices(context.Background())
		if err != nil {
			log.Printf("Index sweep failed: %v", err)
			return
		}
		if pruned > 0 {
			log.Printf("Index sweep removed %d stale entries", pruned)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
