// Package pipeline drives one finalized utterance through
// transcription, reply generation and synthesis, and delivers the
// result on whichever path the connection currently uses.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/chunkio"
	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

// Sink is the slice of the session registry the pipeline needs: event
// delivery and the connection's current audio path.
type Sink interface {
	Emit(id domain.ConnID, v any) error
	EmitBinary(id domain.ConnID, b []byte) error
	DeliveryPath(id domain.ConnID) domain.DeliveryPath
	RelayPeer(id domain.ConnID) (core.RelayPeer, bool)
}

// DefaultStepTimeout bounds each external call. The backends have no
// deadline of their own, so a hung call would otherwise stall the
// connection's pipeline forever.
const DefaultStepTimeout = 30 * time.Second

type Pipeline struct {
	STT     core.Transcriber
	Replies core.ReplyGenerator
	TTS     core.Synthesizer
	Sink    Sink

	// TempDir holds transient utterance artifacts; empty means the OS
	// temp dir. HintExt is the container extension the clients record
	// in (the STT backend keys encoding detection off it).
	TempDir string
	HintExt string

	ChunkSize   int
	StepTimeout time.Duration
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (p *Pipeline) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	t := p.StepTimeout
	if t <= 0 {
		t = DefaultStepTimeout
	}
	return context.WithTimeout(ctx, t)
}

func (p *Pipeline) fail(id domain.ConnID, stage, event, code string) {
	metrics.PipelineStageFailures.WithLabelValues(stage).Inc()
	metrics.PipelineRuns.WithLabelValues("error").Inc()
	_ = p.Sink.Emit(id, errorEvent{Type: event, Error: code})
}

// Run executes the full flow for one utterance. Each stage may fail
// independently; a failure emits that stage's error event to the
// originating connection only and aborts the rest. Retry policy, if
// any, belongs to the backends.
func (p *Pipeline) Run(ctx context.Context, id domain.ConnID, utterance []byte) {
	ext := p.HintExt
	if ext == "" {
		ext = "webm"
	}
	dir := p.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, utterance, 0o600); err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("conn", string(id)).Msg("persist utterance")
		p.fail(id, "stt", "stream-audio-error", "internal-error")
		return
	}
	// The artifact is transient regardless of how this run ends.
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("module", "pipeline").Str("path", path).Msg("remove utterance artifact")
		}
	}()

	transcript, err := p.transcribe(ctx, path, ext)
	if err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("conn", string(id)).Msg("transcription failed")
		p.fail(id, "stt", "stream-audio-error", core.WireCode(err))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		metrics.PipelineRuns.WithLabelValues("no-speech").Inc()
		_ = p.Sink.Emit(id, errorEvent{Type: "stream-audio-error", Error: "No speech detected"})
		return
	}
	_ = p.Sink.Emit(id, struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript"`
	}{Type: "stream-audio-final", Transcript: transcript})

	reply, err := p.generate(ctx, id, transcript)
	if err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("conn", string(id)).Msg("reply generation failed")
		p.fail(id, "chat", "stream-audio-error", core.WireCode(err))
		return
	}
	_ = p.Sink.Emit(id, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "assistant-message", Text: reply})

	audio, err := p.synthesize(ctx, reply)
	if err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("conn", string(id)).Msg("synthesis failed")
		p.fail(id, "tts", "tts-error", core.WireCode(err))
		return
	}

	if err := p.deliver(ctx, id, audio); err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("conn", string(id)).Msg("audio delivery failed")
		p.fail(id, "deliver", "tts-error", "send-failed")
		return
	}
	metrics.PipelineRuns.WithLabelValues("ok").Inc()
}

func (p *Pipeline) transcribe(ctx context.Context, path, ext string) (string, error) {
	if p.STT == nil {
		return "", core.ErrCapabilityUnavailable
	}
	stepCtx, cancel := p.stepCtx(ctx)
	defer cancel()
	return p.STT.Transcribe(stepCtx, path, ext)
}

func (p *Pipeline) generate(ctx context.Context, id domain.ConnID, transcript string) (string, error) {
	if p.Replies == nil {
		return "", core.ErrCapabilityUnavailable
	}
	stepCtx, cancel := p.stepCtx(ctx)
	defer cancel()
	return p.Replies.GenerateReply(stepCtx, id, transcript)
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.TTS == nil {
		return nil, core.ErrCapabilityUnavailable
	}
	stepCtx, cancel := p.stepCtx(ctx)
	defer cancel()
	return p.TTS.Synthesize(stepCtx, text)
}

// deliver streams the synthesized audio over exactly one path. The
// same payload must never reach a client twice: duplicate playback is
// a defect.
func (p *Pipeline) deliver(ctx context.Context, id domain.ConnID, audio []byte) error {
	path := p.Sink.DeliveryPath(id)
	switch path {
	case domain.PathDataChannel:
		peer, ok := p.Sink.RelayPeer(id)
		if !ok {
			// Peer vanished between the path check and now; the socket
			// still works and the payload was not sent yet.
			return p.sendSocket(id, audio)
		}
		stepCtx, cancel := p.stepCtx(ctx)
		defer cancel()
		if err := peer.SendAudio(stepCtx, audio); err != nil {
			return err
		}
		metrics.AudioDeliveredBytes.WithLabelValues(path.String()).Add(float64(len(audio)))
		return nil
	case domain.PathSocket:
		return p.sendSocket(id, audio)
	default:
		// Connection is gone; nothing to deliver to.
		return nil
	}
}

func (p *Pipeline) sendSocket(id domain.ConnID, audio []byte) error {
	err := chunkio.Send(audio, p.ChunkSize,
		func(chunk []byte) error { return p.Sink.EmitBinary(id, chunk) },
		func() error {
			return p.Sink.Emit(id, struct {
				Type string `json:"type"`
			}{Type: "tts-chunk-end"})
		})
	if err != nil {
		return err
	}
	metrics.AudioDeliveredBytes.WithLabelValues(domain.PathSocket.String()).Add(float64(len(audio)))
	return nil
}
