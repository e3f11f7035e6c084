package app

import (
	"encoding/json"

	"github.com/voicebridge/voicebridge/internal/domain"
)

// Envelope is the tagged union carried in every inbound text frame.
// Only the fields relevant to a given Type are populated; SDP and
// candidate bodies stay raw so forwarding never re-encodes them.
type Envelope struct {
	Type      string          `json:"type"`
	Room      domain.RoomName `json:"room,omitempty"`
	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// forwarded is an offer/answer/candidate re-emitted to another peer
// with the sender's identity attached.
type forwarded struct {
	Type      string          `json:"type"`
	From      domain.ConnID   `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type simpleEvent struct {
	Type string `json:"type"`
}
