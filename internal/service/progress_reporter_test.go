package service

import (
	"context"
	"testing"

	"github.com/lexibooks/api/internal/model"
)

// fakeSink records every progress write-through.
type fakeSink struct {
	values []int
	steps  []string
}

func (f *fakeSink) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (*model.ProcessingJob, error) {
	f.values = append(f.values, progress)
	f.steps = append(f.steps, step)
	return &model.ProcessingJob{ID: jobID, Progress: progress, CurrentStep: step}, nil
}

func (f *fakeSink) last() int {
	if len(f.values) == 0 {
		return -1
	}
	return f.values[len(f.values)-1]
}

func TestReportWeightedOverall(t *testing.T) {
	sink := &fakeSink{}
	r := NewProgressReporter(sink, nil, "job-1", model.JobTypeFull)

	// Prior stages contribute their full weights, the current stage its
	// weighted fraction: 20+15+20+20 + 50*25/100 = 87.
	if err := r.Report(context.Background(), model.StageAudioGeneration, 50); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 87 {
		t.Errorf("expected overall 87, got %d", got)
	}
}

func TestReportFirstStage(t *testing.T) {
	sink := &fakeSink{}
	r := NewProgressReporter(sink, nil, "job-1", model.JobTypeFull)

	if err := r.Report(context.Background(), model.StageTextExtraction, 0); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 0 {
		t.Errorf("expected overall 0, got %d", got)
	}

	if err := r.Report(context.Background(), model.StageTextExtraction, 100); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 20 {
		t.Errorf("expected overall 20, got %d", got)
	}
}

func TestReportClampsStagePercent(t *testing.T) {
	sink := &fakeSink{}
	r := NewProgressReporter(sink, nil, "job-1", model.JobTypeFull)

	if err := r.Report(context.Background(), model.StageTextExtraction, 150); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 20 {
		t.Errorf("expected overall clamped to 20, got %d", got)
	}

	if err := r.Report(context.Background(), model.StageTextExtraction, -10); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 0 {
		t.Errorf("expected overall clamped to 0, got %d", got)
	}
}

func TestReportUnknownStage(t *testing.T) {
	sink := &fakeSink{}
	r := NewProgressReporter(sink, nil, "job-1", model.JobTypeFull)

	if err := r.Report(context.Background(), "mastering", 50); err == nil {
		t.Error("expected error for unknown stage")
	}
	if len(sink.values) != 0 {
		t.Errorf("unknown stage must not write progress, got %v", sink.values)
	}
}

func TestSubsetScalesToHundred(t *testing.T) {
	sink := &fakeSink{}
	r := NewProgressReporter(sink, nil, "job-1", model.JobTypeTextOnly)

	// text_only runs extraction (20) and segmentation (15), total 35.
	// A finished subset must still read 100.
	if err := r.StepComplete(context.Background(), model.StageSegmentation); err != nil {
		t.Fatalf("step complete failed: %v", err)
	}
	if got := sink.last(); got != 100 {
		t.Errorf("expected finished subset to read 100, got %d", got)
	}

	// Halfway through segmentation: (20 + 50*15/100) * 100 / 35 = 77.
	if err := r.Report(context.Background(), model.StageSegmentation, 50); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if got := sink.last(); got != 77 {
		t.Errorf("expected scaled overall 77, got %d", got)
	}
}

func TestStagesForType(t *testing.T) {
	cases := []struct {
		jobType model.JobType
		want    []string
	}{
		{model.JobTypeFull, []string{
			model.StageTextExtraction, model.StageSegmentation,
			model.StageTopicAnalysis, model.StageVocabulary, model.StageAudioGeneration,
		}},
		{model.JobTypeBundle, []string{
			model.StageTextExtraction, model.StageSegmentation,
			model.StageTopicAnalysis, model.StageVocabulary, model.StageAudioGeneration,
		}},
		{model.JobTypeTextOnly, []string{model.StageTextExtraction, model.StageSegmentation}},
		{model.JobTypeVocabularyOnly, []string{model.StageTextExtraction, model.StageSegmentation, model.StageVocabulary}},
		{model.JobTypeAudioOnly, []string{model.StageTextExtraction, model.StageSegmentation, model.StageAudioGeneration}},
	}

	for _, tc := range cases {
		stages := StagesForType(tc.jobType)
		if len(stages) != len(tc.want) {
			t.Errorf("%s: expected %d stages, got %d", tc.jobType, len(tc.want), len(stages))
			continue
		}
		for i, sw := range stages {
			if sw.Name != tc.want[i] {
				t.Errorf("%s: stage %d is %s, want %s", tc.jobType, i, sw.Name, tc.want[i])
			}
		}
	}
}

func TestDefaultWeightsSumToHundred(t *testing.T) {
	total := 0
	for _, sw := range DefaultStageWeights {
		total += sw.Weight
	}
	if total != 100 {
		t.Errorf("default weights sum to %d, want 100", total)
	}
}
