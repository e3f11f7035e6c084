// Package services holds the HTTP clients for the external speech and
// chat backends, plus the per-connection conversation history they
// share.
package services

import (
	"sync"

	"github.com/voicebridge/voicebridge/internal/domain"
)

// DefaultHistoryLimit caps how many messages one connection's
// conversation keeps. Older messages fall off the front.
const DefaultHistoryLimit = 40

// Message is one turn in a conversation, in the role/content shape the
// chat backend expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History keeps a bounded conversation per connection. It is safe for
// concurrent use; each connection's messages stay ordered.
type History struct {
	mu     sync.Mutex
	limit  int
	byConn map[domain.ConnID][]Message
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		limit:  limit,
		byConn: make(map[domain.ConnID][]Message),
	}
}

// Append records one turn, evicting the oldest turns beyond the cap.
func (h *History) Append(id domain.ConnID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.byConn[id], Message{Role: role, Content: content})
	if over := len(msgs) - h.limit; over > 0 {
		msgs = msgs[over:]
	}
	h.byConn[id] = msgs
}

// Get returns a copy of the connection's conversation so far.
func (h *History) Get(id domain.ConnID) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.byConn[id]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clear forgets the connection's conversation.
func (h *History) Clear(id domain.ConnID) {
	h.mu.Lock()
	delete(h.byConn, id)
	h.mu.Unlock()
}
