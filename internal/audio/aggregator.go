// Package audio accumulates inbound audio fragments per connection
// until the client finalizes the utterance.
package audio

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
)

// DefaultMaxBytes bounds one utterance. Upstream silence detection is
// expected to finalize well before this.
const DefaultMaxBytes = 16 << 20

type pending struct {
	frags [][]byte
	size  int
}

// Aggregator keeps an ordered fragment list per connection.
// Finalize swaps the list out atomically, so fragments appended while a
// finalize is in flight land in the next utterance.
type Aggregator struct {
	mu       sync.Mutex
	maxBytes int
	byConn   map[domain.ConnID]*pending
}

func NewAggregator(maxBytes int) *Aggregator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Aggregator{
		maxBytes: maxBytes,
		byConn:   make(map[domain.ConnID]*pending),
	}
}

// Append copies frag and appends it to the connection's fragment list.
// The copy matters: the transport reuses its read buffer.
func (a *Aggregator) Append(id domain.ConnID, frag []byte) error {
	if len(frag) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byConn[id]
	if !ok {
		p = &pending{}
		a.byConn[id] = p
	}
	if p.size+len(frag) > a.maxBytes {
		return fmt.Errorf("%w: %d bytes buffered, cap %d", core.ErrAudioTooLarge, p.size, a.maxBytes)
	}
	cp := make([]byte, len(frag))
	copy(cp, frag)
	p.frags = append(p.frags, cp)
	p.size += len(cp)
	return nil
}

// AppendBase64 normalizes fragments from transports that cannot carry
// binary frames and wrap the bytes in a base64 string instead.
func (a *Aggregator) AppendBase64(id domain.ConnID, data string) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode audio fragment: %w", err)
	}
	return a.Append(id, raw)
}

// Finalize concatenates the connection's fragments in arrival order and
// clears the list unconditionally. An empty list yields ErrNoAudioData,
// never a zero-length buffer.
func (a *Aggregator) Finalize(id domain.ConnID) ([]byte, error) {
	a.mu.Lock()
	p := a.byConn[id]
	delete(a.byConn, id)
	a.mu.Unlock()

	if p == nil || len(p.frags) == 0 {
		return nil, core.ErrNoAudioData
	}

	buf := make([]byte, 0, p.size)
	for _, f := range p.frags {
		buf = append(buf, f...)
	}
	log.Debug().Str("module", "audio").Str("conn", string(id)).
		Int("fragments", len(p.frags)).Int("bytes", len(buf)).Msg("finalized utterance")
	return buf, nil
}

// Discard drops any pending fragments for the connection.
func (a *Aggregator) Discard(id domain.ConnID) {
	a.mu.Lock()
	delete(a.byConn, id)
	a.mu.Unlock()
}

// PendingBytes reports the buffered size for a connection.
func (a *Aggregator) PendingBytes(id domain.ConnID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.byConn[id]; ok {
		return p.size
	}
	return 0
}
