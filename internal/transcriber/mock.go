package transcriber

import (
	"context"
	"fmt"
)

type mockClient struct{}

// NewMock returns a client that fabricates transcripts, for development
// without a speech backend.
func NewMock() Client {
	return &mockClient{}
}

func (m *mockClient) Transcribe(_ context.Context, audio []byte) (Result, error) {
	return Result{Text: fmt.Sprintf("[mock transcript length=%d]", len(audio))}, nil
}
