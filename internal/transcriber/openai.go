package transcriber

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient transcribes via the OpenAI audio transcription API.
type OpenAIClient struct {
	api      *openai.Client
	model    string
	language string
}

func NewOpenAI(cfg config.TranscriberConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
	}
	return &OpenAIClient{
		api:      openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
	}
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		Language: c.language,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Result{}, classifyStatus(apiErr.HTTPStatusCode, err)
		}
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	return Result{Text: resp.Text}, nil
}
