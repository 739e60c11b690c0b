package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/worker"
)

const vocabularyPrompt = `You extract learner vocabulary from book segments.
Pick the most useful words and give a short plain-language definition for each.
Respond with a JSON array of objects: {"word": "...", "definition": "...", "segment": n}.`

// VocabularyEntry is one extracted word with its definition.
type VocabularyEntry struct {
	Word       string `json:"word"`
	Definition string `json:"definition,omitempty"`
	Segment    int    `json:"segment"`
}

// VocabularyStage extracts a learner vocabulary list from the segments.
type VocabularyStage struct {
	llm     *client.LLMClient
	storage client.StorageClient
}

func NewVocabularyStage(llm *client.LLMClient, storage client.StorageClient) *VocabularyStage {
	return &VocabularyStage{llm: llm, storage: storage}
}

func (s *VocabularyStage) Name() string {
	return model.StageVocabulary
}

// VocabularyResult is the stage's structured result payload.
type VocabularyResult struct {
	Entries []VocabularyEntry `json:"entries"`
}

func (s *VocabularyStage) Run(ctx context.Context, in worker.StageInput) (any, error) {
	segments, err := loadSegments(ctx, s.storage, in)
	if err != nil {
		return nil, err
	}
	_ = in.Reporter.Report(ctx, s.Name(), 25)

	if !s.llm.IsConfigured() {
		return &VocabularyResult{Entries: mockVocabulary(segments)}, nil
	}

	input, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segments: %w", err)
	}
	raw, err := s.llm.ChatCompletion(ctx, vocabularyPrompt, string(input))
	if err != nil {
		return nil, fmt.Errorf("vocabulary llm call failed: %w", err)
	}
	_ = in.Reporter.Report(ctx, s.Name(), 80)

	var entries []VocabularyEntry
	if err := json.Unmarshal([]byte(extractJSON(raw)), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary response: %w", err)
	}
	return &VocabularyResult{Entries: entries}, nil
}

// mockVocabulary takes the longest distinct words per segment.
func mockVocabulary(segments []Segment) []VocabularyEntry {
	var entries []VocabularyEntry
	for _, seg := range segments {
		words := strings.FieldsFunc(seg.Text, func(r rune) bool {
			return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z')
		})
		seen := make(map[string]bool)
		var unique []string
		for _, w := range words {
			w = strings.ToLower(w)
			if len(w) > 4 && !seen[w] {
				seen[w] = true
				unique = append(unique, w)
			}
		}
		sort.Slice(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })
		if len(unique) > 5 {
			unique = unique[:5]
		}
		for _, w := range unique {
			entries = append(entries, VocabularyEntry{Word: w, Segment: seg.Index})
		}
	}
	return entries
}
