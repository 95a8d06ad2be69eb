package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// HTTPClient speaks the multipart transcription wire contract: a POST with
// the audio payload and a model identifier, answered by a JSON body with a
// text field on 200. Any non-200 is classified by status code.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	language string
	hc       *http.Client
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func NewHTTP(cfg config.TranscriberConfig) *HTTPClient {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		hc: &http.Client{
			Timeout:   time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
	}
}

func (c *HTTPClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", c.model); err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
		}
	}
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	if _, err := fw.Write(audio); err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	if err := mw.Close(); err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, &ClassifiedError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, classifyStatus(resp.StatusCode, fmt.Errorf("unexpected response: %s", bytes.TrimSpace(msg)))
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Result{}, &ClassifiedError{Kind: KindServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode transcription response: %w", err)}
	}
	return Result{Text: tr.Text}, nil
}
