package core

import (
	"context"

	"github.com/voicebridge/voicebridge/internal/domain"
)

// Transcriber converts a persisted audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, hintExt string) (string, error)
}

// ReplyGenerator produces an assistant reply for one connection's
// conversation and records both sides in its history.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, conn domain.ConnID, text string) (string, error)
	// Forget drops the connection's conversation history.
	Forget(conn domain.ConnID)
}

// Synthesizer converts text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
