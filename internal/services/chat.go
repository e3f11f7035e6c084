package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
)

// ChatConfig configures the reply-generation backend client.
type ChatConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// ChatClient generates assistant replies from an OpenAI-style chat
// completions endpoint, keeping a bounded conversation per connection.
type ChatClient struct {
	cfg     ChatConfig
	http    *http.Client
	history *History
}

func NewChatClient(cfg ChatConfig, history *History) *ChatClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if history == nil {
		history = NewHistory(0)
	}
	return &ChatClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		history: history,
	}
}

type chatRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// GenerateReply sends the conversation so far plus the new user turn
// and records both sides in the history. The user turn is recorded
// only on success so a failed call can be retried verbatim.
func (c *ChatClient) GenerateReply(ctx context.Context, id domain.ConnID, text string) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", fmt.Errorf("chat: %w", core.ErrCapabilityUnavailable)
	}

	msgs := make([]Message, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, c.history.Get(id)...)
	msgs = append(msgs, Message{Role: "user", Content: text})

	payload, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("chat: build request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: %w: %v", core.ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("chat: %w: read response: %v", core.ErrUpstreamFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("module", "services.chat").Int("status", resp.StatusCode).Msg("backend rejected completion")
		return "", fmt.Errorf("chat: %w: status %d", core.ErrUpstreamFailed, resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("chat: %w: bad response: %v", core.ErrUpstreamFailed, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat: %w: empty choices", core.ErrUpstreamFailed)
	}
	reply := out.Choices[0].Message.Content

	c.history.Append(id, "user", text)
	c.history.Append(id, "assistant", reply)
	return reply, nil
}

// Forget drops the connection's conversation history.
func (c *ChatClient) Forget(id domain.ConnID) {
	c.history.Clear(id)
}
