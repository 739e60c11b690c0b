package service

import (
	"context"
	"fmt"

	"github.com/lexibooks/api/internal/model"
)

// StageWeight pairs a pipeline stage with its relative share of overall
// progress. The default table sums to 100 across the full sequence.
type StageWeight struct {
	Name   string
	Weight int
}

var DefaultStageWeights = []StageWeight{
	{model.StageTextExtraction, 20},
	{model.StageSegmentation, 15},
	{model.StageTopicAnalysis, 20},
	{model.StageVocabulary, 20},
	{model.StageAudioGeneration, 25},
}

// StagesForType returns the ordered stage sequence a job type runs. Every
// variant keeps the critical extraction and segmentation stages, since
// nothing downstream can run without their text.
func StagesForType(jobType model.JobType) []StageWeight {
	pick := func(names ...string) []StageWeight {
		out := make([]StageWeight, 0, len(names))
		for _, n := range names {
			for _, sw := range DefaultStageWeights {
				if sw.Name == n {
					out = append(out, sw)
				}
			}
		}
		return out
	}

	switch jobType {
	case model.JobTypeTextOnly:
		return pick(model.StageTextExtraction, model.StageSegmentation)
	case model.JobTypeVocabularyOnly:
		return pick(model.StageTextExtraction, model.StageSegmentation, model.StageVocabulary)
	case model.JobTypeAudioOnly:
		return pick(model.StageTextExtraction, model.StageSegmentation, model.StageAudioGeneration)
	default: // full and bundle run the whole sequence
		return append([]StageWeight(nil), DefaultStageWeights...)
	}
}

// ProgressSink receives write-through progress updates. Satisfied by
// repository.JobRepository.
type ProgressSink interface {
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (*model.ProcessingJob, error)
}

// ProgressBroadcaster pushes live progress to subscribed clients. Optional.
type ProgressBroadcaster interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
}

// ProgressReporter converts a (stage, stage-local percent) pair into an
// overall 0-100 value for one job, weighting heterogeneous stages so each
// contributes proportionally to the user-visible percentage. For job types
// that run a stage subset the value is scaled by the subset's total weight,
// so a finished subset always reads 100.
type ProgressReporter struct {
	jobID  string
	stages []StageWeight
	total  int
	sink   ProgressSink
	hub    ProgressBroadcaster
}

func NewProgressReporter(sink ProgressSink, hub ProgressBroadcaster, jobID string, jobType model.JobType) *ProgressReporter {
	stages := StagesForType(jobType)
	total := 0
	for _, sw := range stages {
		total += sw.Weight
	}
	return &ProgressReporter{
		jobID:  jobID,
		stages: stages,
		total:  total,
		sink:   sink,
		hub:    hub,
	}
}

// Stages returns the reporter's ordered stage sequence.
func (r *ProgressReporter) Stages() []StageWeight {
	return r.stages
}

// Report writes the overall progress for stagePercent of the named stage.
func (r *ProgressReporter) Report(ctx context.Context, stage string, stagePercent int) error {
	if stagePercent < 0 {
		stagePercent = 0
	}
	if stagePercent > 100 {
		stagePercent = 100
	}

	prior := 0
	weight := -1
	for _, sw := range r.stages {
		if sw.Name == stage {
			weight = sw.Weight
			break
		}
		prior += sw.Weight
	}
	if weight < 0 {
		return fmt.Errorf("unknown stage %q for job %s", stage, r.jobID)
	}

	overall := prior + stagePercent*weight/100
	if r.total > 0 && r.total != 100 {
		overall = overall * 100 / r.total
	}
	if overall > 100 {
		overall = 100
	}

	if _, err := r.sink.UpdateJobProgress(ctx, r.jobID, overall, stage); err != nil {
		return err
	}
	if r.hub != nil {
		r.hub.BroadcastProgress(r.jobID, overall, model.JobStatusProcessing, stage)
	}
	return nil
}

// StepComplete marks the named stage fully done.
func (r *ProgressReporter) StepComplete(ctx context.Context, stage string) error {
	return r.Report(ctx, stage, 100)
}
