package transcriber

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Result captures the output of a single transcription attempt.
type Result struct {
	Text string
}

// Client sends one audio payload to a speech-to-text backend. A call covers
// exactly one attempt; retry policy belongs to the caller, which owns the
// segment identity and the persisted retry budget.
type Client interface {
	Transcribe(ctx context.Context, audio []byte) (Result, error)
}

// New builds a client for the configured mode.
func New(cfg config.TranscriberConfig) (Client, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "http":
		return NewHTTP(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transcriber mode %q", cfg.Mode)
	}
}
