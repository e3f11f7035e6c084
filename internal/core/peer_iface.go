package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/voicebridge/voicebridge/internal/domain"
)

// RelayPeer is a server-terminated WebRTC session standing in for a
// second browser peer. At most one exists per connection.
type RelayPeer interface {
	// LocalDescription returns the negotiated answer SDP.
	LocalDescription() *webrtc.SessionDescription
	// AddICECandidate applies a remote ICE candidate. Candidates may
	// legitimately arrive after close; callers decide whether the
	// returned error matters.
	AddICECandidate(webrtc.ICECandidateInit) error
	// SendAudio streams audio bytes over the outbound data channel in
	// bounded chunks followed by an end marker.
	SendAudio(ctx context.Context, audio []byte) error
	// ChannelOpen reports whether the outbound data channel is usable.
	ChannelOpen() bool
	// Close is idempotent and releases the underlying PeerConnection.
	Close()
}

// PeerFactory negotiates relay peers from client offers.
// An unconfigured capability returns ErrCapabilityUnavailable instead
// of failing from deep inside negotiation.
type PeerFactory interface {
	CreatePeer(ctx context.Context, owner domain.ConnID, offer webrtc.SessionDescription, onClosed func()) (RelayPeer, error)
}
