package core

import (
	"context"
	"errors"
)

// Failure taxonomy. Every failure is contained to the connection that
// triggered it; none may take down the shared signaling process.
var (
	// ErrCapabilityUnavailable means an optional backend (WebRTC relay,
	// STT, TTS, chat) is not configured. Degrade, never crash.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrNegotiationFailed covers WebRTC offer/answer/ICE errors.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrNoAudioData means finalize was called with zero fragments.
	ErrNoAudioData = errors.New("no-data")

	// ErrNoSpeechDetected means transcription returned empty text.
	ErrNoSpeechDetected = errors.New("no speech detected")

	// ErrUpstreamFailed covers STT/chat/TTS backend errors.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrTransportGone means the target connection or room no longer
	// exists. Sends to it are silent no-ops, not errors.
	ErrTransportGone = errors.New("transport gone")

	// ErrAudioTooLarge means a connection exceeded the accumulator cap.
	ErrAudioTooLarge = errors.New("audio too large")

	// ErrBackpressure means a connection's send queue is full.
	ErrBackpressure = errors.New("backpressure")
)

// WireCode maps a failure to the short machine-readable code sent to
// the client. Raw error text never crosses the transport.
func WireCode(err error) string {
	switch {
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability-unavailable"
	case errors.Is(err, ErrNegotiationFailed):
		return "negotiation-failed"
	case errors.Is(err, ErrNoAudioData):
		return "no-data"
	case errors.Is(err, ErrAudioTooLarge):
		return "audio-too-large"
	case errors.Is(err, ErrUpstreamFailed):
		return "upstream-failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal-error"
	}
}
