package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/core"
)

// STTConfig configures the speech-to-text backend client.
type STTConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// STTClient uploads recorded utterances to a Whisper-style HTTP
// endpoint and returns the transcript.
type STTClient struct {
	cfg  STTConfig
	http *http.Client
}

func NewSTTClient(cfg STTConfig) *STTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &STTClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type sttResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the audio file as multipart form data. The file
// keeps its on-disk name so the backend can detect the container from
// the extension.
func (c *STTClient) Transcribe(ctx context.Context, audioPath, hintExt string) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", fmt.Errorf("stt: %w", core.ErrCapabilityUnavailable)
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("stt: read audio: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	if c.cfg.Model != "" {
		if err := w.WriteField("model", c.cfg.Model); err != nil {
			return "", fmt.Errorf("stt: build request: %w", err)
		}
	}
	if c.cfg.Language != "" {
		if err := w.WriteField("language", c.cfg.Language); err != nil {
			return "", fmt.Errorf("stt: build request: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: %w: %v", core.ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("stt: %w: read response: %v", core.ErrUpstreamFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("module", "services.stt").Int("status", resp.StatusCode).Msg("backend rejected transcription")
		return "", fmt.Errorf("stt: %w: status %d", core.ErrUpstreamFailed, resp.StatusCode)
	}

	var out sttResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("stt: %w: bad response: %v", core.ErrUpstreamFailed, err)
	}
	return out.Text, nil
}
