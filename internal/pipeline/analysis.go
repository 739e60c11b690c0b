package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/worker"
)

const analysisPrompt = `You analyze book segments for an educational catalog.
For each segment, name its main topic and up to three keywords.
Respond with a JSON array of objects: {"index": n, "topic": "...", "keywords": ["..."]}.`

// SegmentTopic is the per-segment analysis outcome.
type SegmentTopic struct {
	Index    int      `json:"index"`
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
}

// TopicAnalysisStage summarizes each segment's topic via the LLM.
type TopicAnalysisStage struct {
	llm     *client.LLMClient
	storage client.StorageClient
}

func NewTopicAnalysisStage(llm *client.LLMClient, storage client.StorageClient) *TopicAnalysisStage {
	return &TopicAnalysisStage{llm: llm, storage: storage}
}

func (s *TopicAnalysisStage) Name() string {
	return model.StageTopicAnalysis
}

// TopicAnalysisResult is the stage's structured result payload.
type TopicAnalysisResult struct {
	Topics []SegmentTopic `json:"topics"`
}

func (s *TopicAnalysisStage) Run(ctx context.Context, in worker.StageInput) (any, error) {
	segments, err := loadSegments(ctx, s.storage, in)
	if err != nil {
		return nil, err
	}
	_ = in.Reporter.Report(ctx, s.Name(), 25)

	if !s.llm.IsConfigured() {
		topics := make([]SegmentTopic, len(segments))
		for i, seg := range segments {
			topics[i] = SegmentTopic{Index: seg.Index, Topic: seg.Title}
		}
		return &TopicAnalysisResult{Topics: topics}, nil
	}

	input, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segments: %w", err)
	}
	raw, err := s.llm.ChatCompletion(ctx, analysisPrompt, string(input))
	if err != nil {
		return nil, fmt.Errorf("topic analysis llm call failed: %w", err)
	}
	_ = in.Reporter.Report(ctx, s.Name(), 80)

	var topics []SegmentTopic
	if err := json.Unmarshal([]byte(extractJSON(raw)), &topics); err != nil {
		return nil, fmt.Errorf("failed to parse topic analysis response: %w", err)
	}
	return &TopicAnalysisResult{Topics: topics}, nil
}
