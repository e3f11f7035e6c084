package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/core"
)

// TTSConfig configures the text-to-speech backend client.
type TTSConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Voice    string
	Format   string
	Timeout  time.Duration
}

// TTSClient synthesizes speech from an OpenAI-style audio endpoint.
// The response body is the raw encoded audio.
type TTSClient struct {
	cfg  TTSConfig
	http *http.Client
}

func NewTTSClient(cfg TTSConfig) *TTSClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TTSClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type ttsRequest struct {
	Model  string `json:"model,omitempty"`
	Input  string `json:"input"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"response_format,omitempty"`
}

func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.cfg.Endpoint == "" {
		return nil, fmt.Errorf("tts: %w", core.ErrCapabilityUnavailable)
	}
	// There is nothing to speak; the backend never sees the request.
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("tts: empty input")
	}

	payload, err := json.Marshal(ttsRequest{
		Model:  c.cfg.Model,
		Input:  text,
		Voice:  c.cfg.Voice,
		Format: c.cfg.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: %w: %v", core.ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: %w: read response: %v", core.ErrUpstreamFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("module", "services.tts").Int("status", resp.StatusCode).Msg("backend rejected synthesis")
		return nil, fmt.Errorf("tts: %w: status %d", core.ErrUpstreamFailed, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("tts: %w: empty audio", core.ErrUpstreamFailed)
	}
	return body, nil
}
