package worker

import (
	"context"

	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/service"
)

// StageInput is what a pipeline stage receives. Stages share data through
// object storage conventions keyed by book ID, never through each other's
// internal state.
type StageInput struct {
	BookID      string
	PublisherID string
	Metadata    map[string]string
	Reporter    *service.ProgressReporter
}

// Stage is one unit of pipeline work. Run returns an optional structured
// result payload that is persisted on the job record.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (any, error)
}

// criticalStages are the stages whose failure aborts the whole job: nothing
// downstream can run without extracted, segmented text.
var criticalStages = map[string]bool{
	model.StageTextExtraction: true,
	model.StageSegmentation:   true,
}

// IsCritical reports whether a stage failure fails the job outright instead
// of degrading it to partial.
func IsCritical(stage string) bool {
	return criticalStages[stage]
}

// buildSequences resolves the per-type stage sequences once at construction,
// pairing the weight table's order with the registered implementations.
func buildSequences(stages []Stage) map[model.JobType][]Stage {
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name()] = s
	}

	sequences := make(map[model.JobType][]Stage, len(model.ValidJobTypes))
	for _, jt := range model.ValidJobTypes {
		var seq []Stage
		for _, sw := range service.StagesForType(jt) {
			if s, ok := byName[sw.Name]; ok {
				seq = append(seq, s)
			}
		}
		sequences[jt] = seq
	}
	return sequences
}
