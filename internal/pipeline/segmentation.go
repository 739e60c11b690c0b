package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/worker"
)

func segmentsKey(bookID string) string {
	return fmt.Sprintf("books/%s/segments.json", bookID)
}

// Segment is one narration-sized slice of the book's text.
type Segment struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

const segmentationPrompt = `You split book text into narration-sized segments.
Respond with a JSON array of objects: {"index": n, "title": "...", "text": "..."}.
Keep segments under 2000 characters and never drop content.`

// SegmentationStage slices the extracted text into ordered segments and
// stores them under the book's segments key for the downstream stages.
type SegmentationStage struct {
	llm     *client.LLMClient
	storage client.StorageClient
}

func NewSegmentationStage(llm *client.LLMClient, storage client.StorageClient) *SegmentationStage {
	return &SegmentationStage{llm: llm, storage: storage}
}

func (s *SegmentationStage) Name() string {
	return model.StageSegmentation
}

// SegmentationResult is the stage's structured result payload.
type SegmentationResult struct {
	SegmentsKey  string `json:"segmentsKey"`
	SegmentCount int    `json:"segmentCount"`
}

func (s *SegmentationStage) Run(ctx context.Context, in worker.StageInput) (any, error) {
	text, err := loadText(ctx, s.storage, in)
	if err != nil {
		return nil, err
	}
	_ = in.Reporter.Report(ctx, s.Name(), 20)

	var segments []Segment
	if s.llm.IsConfigured() {
		segments, err = s.segmentWithLLM(ctx, text)
		if err != nil {
			return nil, err
		}
	} else {
		segments = splitByParagraph(text)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("segmentation produced no segments")
	}
	_ = in.Reporter.Report(ctx, s.Name(), 70)

	if s.storage != nil {
		data, err := json.Marshal(segments)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal segments: %w", err)
		}
		if _, err := s.storage.Upload(ctx, segmentsKey(in.BookID), bytes.NewReader(data), "application/json"); err != nil {
			return nil, fmt.Errorf("failed to store segments: %w", err)
		}
	}

	return &SegmentationResult{
		SegmentsKey:  segmentsKey(in.BookID),
		SegmentCount: len(segments),
	}, nil
}

func (s *SegmentationStage) segmentWithLLM(ctx context.Context, text string) ([]Segment, error) {
	raw, err := s.llm.ChatCompletion(ctx, segmentationPrompt, text)
	if err != nil {
		return nil, fmt.Errorf("segmentation llm call failed: %w", err)
	}
	var segments []Segment
	if err := json.Unmarshal([]byte(extractJSON(raw)), &segments); err != nil {
		return nil, fmt.Errorf("failed to parse segmentation response: %w", err)
	}
	return segments, nil
}

// splitByParagraph is the deterministic fallback when no LLM is configured.
func splitByParagraph(text string) []Segment {
	var segments []Segment
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		title := para
		if idx := strings.IndexByte(title, '\n'); idx > 0 {
			title = title[:idx]
		}
		if len(title) > 60 {
			title = title[:60]
		}
		segments = append(segments, Segment{
			Index: len(segments),
			Title: title,
			Text:  para,
		})
	}
	return segments
}

// loadText fetches the extracted text by storage convention, or synthesizes
// mock text when storage is not configured.
func loadText(ctx context.Context, storage client.StorageClient, in worker.StageInput) (string, error) {
	if storage == nil {
		name := in.Metadata["book_name"]
		if name == "" {
			name = "Untitled"
		}
		return fmt.Sprintf("Chapter 1 of %s.\nSample narration text for book %s.", name, in.BookID), nil
	}
	data, err := storage.Download(ctx, textKey(in.BookID))
	if err != nil {
		return "", fmt.Errorf("failed to fetch extracted text: %w", err)
	}
	return string(data), nil
}

// loadSegments fetches the segment list by storage convention, or derives the
// mock segments when storage is not configured.
func loadSegments(ctx context.Context, storage client.StorageClient, in worker.StageInput) ([]Segment, error) {
	if storage == nil {
		text, _ := loadText(ctx, nil, in)
		return splitByParagraph(text), nil
	}
	data, err := storage.Download(ctx, segmentsKey(in.BookID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segments: %w", err)
	}
	var segments []Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, fmt.Errorf("failed to parse segments: %w", err)
	}
	return segments, nil
}

// extractJSON trims any prose an LLM wraps around a JSON array.
func extractJSON(raw string) string {
	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return raw
	}
	end := strings.LastIndexAny(raw, "]}")
	if end < start {
		return raw
	}
	return raw[start : end+1]
}
