package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lexibooks/api/internal/config"
)

// Synthesizer defines the interface for text-to-speech operations
type Synthesizer interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)
	HealthCheck(ctx context.Context) error
}

// TTSClient implements Synthesizer for the speech synthesis microservice
type TTSClient struct {
	httpClient *http.Client
	baseURL    string
	voice      string
}

// SynthesizeRequest represents the request for speech synthesis
type SynthesizeRequest struct {
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Format    string `json:"format,omitempty"`
	OutputKey string `json:"output_key"`
}

// SynthesizeResponse represents the response from speech synthesis
type SynthesizeResponse struct {
	OutputURL string  `json:"output_url"`
	Duration  float64 `json:"duration"`
	Size      int64   `json:"size"`
}

// NewTTSClient creates a new speech synthesis client
func NewTTSClient(cfg *config.TTSConfig) *TTSClient {
	return &TTSClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
		voice:   cfg.Voice,
	}
}

// IsConfigured returns true if the service URL is set
func (c *TTSClient) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

// DefaultVoice returns the configured narration voice
func (c *TTSClient) DefaultVoice() string {
	return c.voice
}

// Synthesize sends text to the synthesis endpoint
func (c *TTSClient) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if req.Voice == "" {
		req.Voice = c.voice
	}
	var result SynthesizeResponse
	if err := c.post(ctx, "/synthesize", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck verifies the synthesis service is reachable
func (c *TTSClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tts service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts service unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *TTSClient) post(ctx context.Context, path string, body, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
