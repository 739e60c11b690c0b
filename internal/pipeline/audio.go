package pipeline

import (
	"context"
	"fmt"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/worker"
)

func audioKey(bookID string, index int) string {
	return fmt.Sprintf("books/%s/audio/segment_%03d.mp3", bookID, index)
}

// AudioTrack is one synthesized narration file.
type AudioTrack struct {
	Segment  int     `json:"segment"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

// AudioGenerationStage synthesizes narration audio for every segment through
// the TTS service, which writes each file to storage under the given key.
type AudioGenerationStage struct {
	tts     *client.TTSClient
	storage client.StorageClient
}

func NewAudioGenerationStage(tts *client.TTSClient, storage client.StorageClient) *AudioGenerationStage {
	return &AudioGenerationStage{tts: tts, storage: storage}
}

func (s *AudioGenerationStage) Name() string {
	return model.StageAudioGeneration
}

// AudioGenerationResult is the stage's structured result payload.
type AudioGenerationResult struct {
	Tracks []AudioTrack `json:"tracks"`
}

func (s *AudioGenerationStage) Run(ctx context.Context, in worker.StageInput) (any, error) {
	segments, err := loadSegments(ctx, s.storage, in)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments to narrate")
	}

	tracks := make([]AudioTrack, 0, len(segments))
	for i, seg := range segments {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		key := audioKey(in.BookID, seg.Index)
		if s.tts.IsConfigured() {
			resp, err := s.tts.Synthesize(ctx, &client.SynthesizeRequest{
				Text:      seg.Text,
				Format:    "mp3",
				OutputKey: key,
			})
			if err != nil {
				return nil, fmt.Errorf("synthesis failed for segment %d: %w", seg.Index, err)
			}
			tracks = append(tracks, AudioTrack{
				Segment:  seg.Index,
				URL:      resp.OutputURL,
				Duration: resp.Duration,
			})
		} else {
			url := key
			if s.storage != nil {
				url = s.storage.GetPublicURL(key)
			}
			tracks = append(tracks, AudioTrack{
				Segment:  seg.Index,
				URL:      url,
				Duration: float64(len(seg.Text)) / 15.0, // rough words-per-minute estimate
			})
		}

		// Per-segment progress: synthesis dominates this stage's runtime.
		_ = in.Reporter.Report(ctx, s.Name(), (i+1)*100/len(segments))
	}

	return &AudioGenerationResult{Tracks: tracks}, nil
}
