package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/chunkio"
	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

// UtterancePipeline runs the STT -> reply -> TTS flow for a finalized
// utterance and reports its own results to the connection.
type UtterancePipeline interface {
	Run(ctx context.Context, id domain.ConnID, utterance []byte)
}

// Router dispatches inbound signaling messages. It holds no state of
// its own; everything lives in the registry and the aggregator, which
// keeps the dispatch table testable without a live transport.
type Router struct {
	Registry *Registry
	Audio    *audio.Aggregator
	Peers    core.PeerFactory
	TTS      core.Synthesizer
	Replies  core.ReplyGenerator
	Pipeline UtterancePipeline

	// ChunkSize bounds socket-path tts frames; zero means the default.
	ChunkSize int
	// StepTimeout bounds each external call (negotiation, synthesis).
	StepTimeout time.Duration
}

func (rt *Router) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if rt.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rt.StepTimeout)
}

// HandleMessage processes one inbound text frame. Messages from the
// same connection arrive serially; failures never leave the
// triggering connection.
func (rt *Router) HandleMessage(ctx context.Context, id domain.ConnID, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("bad json")
		return
	}
	metrics.SignalMessages.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "join":
		rt.handleJoin(id, env)
	case "leave":
		rt.handleLeave(id, env)
	case "offer":
		rt.handleOffer(ctx, id, env)
	case "answer":
		rt.handleAnswer(id, env)
	case "ice-candidate":
		rt.handleCandidate(id, env)
	case "synthesize":
		rt.handleSynthesize(ctx, id, env)
	case "request-tts":
		rt.handleRequestTTS(ctx, id, env)
	case "stream-audio":
		// Text-frame variant for transports without binary support.
		if err := rt.Audio.AppendBase64(id, env.Data); err != nil {
			rt.reportAppendError(id, err)
		}
	case "finalize-audio":
		rt.handleFinalize(ctx, id)
	case "ping":
		_ = rt.Registry.Emit(id, simpleEvent{Type: "pong"})
	default:
		log.Warn().Str("module", "app.router").Str("type", env.Type).Msg("unknown signal")
	}
}

// HandleBinary processes one inbound binary frame: an audio fragment.
func (rt *Router) HandleBinary(id domain.ConnID, frag []byte) {
	metrics.SignalMessages.WithLabelValues("stream-audio").Inc()
	if err := rt.Audio.Append(id, frag); err != nil {
		rt.reportAppendError(id, err)
	}
}

// HandleDisconnect is the transport's exit hook. Every sub-step is
// independently safe to repeat.
func (rt *Router) HandleDisconnect(id domain.ConnID) {
	rt.Registry.Disconnect(id)
	rt.Audio.Discard(id)
	if rt.Replies != nil {
		rt.Replies.Forget(id)
	}
}

func (rt *Router) reportAppendError(id domain.ConnID, err error) {
	log.Warn().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("audio append rejected")
	_ = rt.Registry.Emit(id, errorEvent{Type: "stream-audio-error", Error: core.WireCode(err)})
}

func (rt *Router) handleJoin(id domain.ConnID, env Envelope) {
	if env.Room == "" {
		log.Warn().Str("module", "app.router").Str("conn", string(id)).Msg("join without room")
		return
	}
	rt.Registry.JoinRoom(id, env.Room)
}

func (rt *Router) handleLeave(id domain.ConnID, env Envelope) {
	if env.Room == "" {
		return
	}
	rt.Registry.LeaveRoom(id, env.Room)
}

// handleOffer routes three ways: negotiate a server-side relay peer,
// unicast to a specific connection, or broadcast to the room.
// Unicast always wins over broadcast when both targets are present.
func (rt *Router) handleOffer(ctx context.Context, id domain.ConnID, env Envelope) {
	switch {
	case env.To == domain.ServerTarget:
		rt.negotiateRelayPeer(ctx, id, env)
	case env.To != "":
		_ = rt.Registry.Emit(domain.ConnID(env.To), forwarded{Type: "offer", From: id, Offer: env.Offer})
	default:
		rt.Registry.Broadcast(env.Room, id, forwarded{Type: "offer", From: id, Offer: env.Offer})
	}
}

func (rt *Router) negotiateRelayPeer(ctx context.Context, id domain.ConnID, env Envelope) {
	fail := func(err error) {
		log.Error().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("relay peer negotiation failed")
		// Negotiation errors go to the requesting connection only.
		_ = rt.Registry.Emit(id, errorEvent{Type: "answer-error", Error: core.WireCode(err)})
	}

	if rt.Peers == nil {
		fail(core.ErrCapabilityUnavailable)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Offer, &offer); err != nil {
		fail(core.ErrNegotiationFailed)
		return
	}

	stepCtx, cancel := rt.stepCtx(ctx)
	defer cancel()
	// The closed callback is identity-guarded: when a later offer has
	// already replaced this peer, its teardown must not unregister the
	// successor. A peer that fails negotiation fires the callback while
	// peer is still nil, which the guard also ignores.
	var peer core.RelayPeer
	var err error
	peer, err = rt.Peers.CreatePeer(stepCtx, id, offer, func() { rt.Registry.RemoveRelayPeerIf(id, peer) })
	if err != nil {
		fail(err)
		return
	}
	rt.Registry.SetRelayPeer(id, peer)

	_ = rt.Registry.Emit(id, struct {
		Type   string                     `json:"type"`
		From   string                     `json:"from"`
		Answer *webrtc.SessionDescription `json:"answer"`
	}{Type: "answer", From: domain.ServerTarget, Answer: peer.LocalDescription()})
}

func (rt *Router) handleAnswer(id domain.ConnID, env Envelope) {
	switch {
	case env.To == domain.ServerTarget:
		// The server never initiates offers, so it never awaits answers.
		log.Warn().Str("module", "app.router").Str("conn", string(id)).Msg("answer addressed to server, dropped")
	case env.To != "":
		_ = rt.Registry.Emit(domain.ConnID(env.To), forwarded{Type: "answer", From: id, Answer: env.Answer})
	default:
		rt.Registry.Broadcast(env.Room, id, forwarded{Type: "answer", From: id, Answer: env.Answer})
	}
}

func (rt *Router) handleCandidate(id domain.ConnID, env Envelope) {
	switch {
	case env.To == domain.ServerTarget:
		peer, ok := rt.Registry.RelayPeer(id)
		if !ok {
			return
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &cand); err != nil {
			return
		}
		// Candidates racing a peer close are normal, not errors.
		if err := peer.AddICECandidate(cand); err != nil {
			log.Debug().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("ice candidate dropped")
		}
	case env.To != "":
		_ = rt.Registry.Emit(domain.ConnID(env.To), forwarded{Type: "ice-candidate", From: id, Candidate: env.Candidate})
	case env.Room != "":
		rt.Registry.Broadcast(env.Room, id, forwarded{Type: "ice-candidate", From: id, Candidate: env.Candidate})
	default:
		// Neither target nor room: nowhere to route it.
		log.Debug().Str("module", "app.router").Str("conn", string(id)).Msg("ice candidate without target, dropped")
	}
}

// handleSynthesize streams TTS for arbitrary text over the sender's
// relay-peer data channel.
func (rt *Router) handleSynthesize(ctx context.Context, id domain.ConnID, env Envelope) {
	peer, ok := rt.Registry.RelayPeer(id)
	if !ok {
		_ = rt.Registry.Emit(id, errorEvent{Type: "synthesize-error", Error: "no-peer"})
		return
	}

	stepCtx, cancel := rt.stepCtx(ctx)
	defer cancel()
	audioBytes, err := rt.synthesize(stepCtx, env.Text)
	if err != nil {
		_ = rt.Registry.Emit(id, errorEvent{Type: "synthesize-error", Error: core.WireCode(err)})
		return
	}
	if err := peer.SendAudio(stepCtx, audioBytes); err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("datachannel send failed")
		_ = rt.Registry.Emit(id, errorEvent{Type: "synthesize-error", Error: "send-failed"})
		return
	}
	metrics.AudioDeliveredBytes.WithLabelValues(domain.PathDataChannel.String()).Add(float64(len(audioBytes)))
	_ = rt.Registry.Emit(id, simpleEvent{Type: "synthesize-ok"})
}

// handleRequestTTS streams TTS for arbitrary text over the socket in
// bounded binary frames followed by an end event.
func (rt *Router) handleRequestTTS(ctx context.Context, id domain.ConnID, env Envelope) {
	stepCtx, cancel := rt.stepCtx(ctx)
	defer cancel()
	audioBytes, err := rt.synthesize(stepCtx, env.Text)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("request-tts failed")
		_ = rt.Registry.Emit(id, errorEvent{Type: "tts-error", Error: core.WireCode(err)})
		return
	}

	err = chunkio.Send(audioBytes, rt.ChunkSize,
		func(chunk []byte) error { return rt.Registry.EmitBinary(id, chunk) },
		func() error { return rt.Registry.Emit(id, simpleEvent{Type: "tts-chunk-end"}) })
	if err != nil {
		log.Warn().Err(err).Str("module", "app.router").Str("conn", string(id)).Msg("tts stream aborted")
		return
	}
	metrics.AudioDeliveredBytes.WithLabelValues(domain.PathSocket.String()).Add(float64(len(audioBytes)))
}

func (rt *Router) synthesize(ctx context.Context, text string) ([]byte, error) {
	if rt.TTS == nil {
		return nil, core.ErrCapabilityUnavailable
	}
	return rt.TTS.Synthesize(ctx, text)
}

func (rt *Router) handleFinalize(ctx context.Context, id domain.ConnID) {
	buf, err := rt.Audio.Finalize(id)
	if err != nil {
		_ = rt.Registry.Emit(id, errorEvent{Type: "stream-audio-error", Error: core.WireCode(err)})
		return
	}
	rt.Pipeline.Run(ctx, id, buf)
}

