package transcriber

import (
	"errors"
	"fmt"
)

// Kind classifies a failed attempt for the caller's retry decision.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindServer       Kind = "server"
	KindInvalidAudio Kind = "invalid_audio"
	KindUnauthorized Kind = "unauthorized"
)

// ClassifiedError wraps a transport or API failure with its kind.
type ClassifiedError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transcribe %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transcribe %s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed. Unauthorized and
// invalid-audio failures are deterministic; retrying them cannot help.
func (e *ClassifiedError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// Classify extracts the ClassifiedError from an attempt error. Errors that
// carry no classification are treated as network-level failures.
func Classify(err error) *ClassifiedError {
	var cerr *ClassifiedError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &ClassifiedError{Kind: KindNetwork, Err: err}
}

func classifyStatus(status int, err error) *ClassifiedError {
	switch {
	case status == 401:
		return &ClassifiedError{Kind: KindUnauthorized, StatusCode: status, Err: err}
	case status >= 400 && status < 500:
		return &ClassifiedError{Kind: KindInvalidAudio, StatusCode: status, Err: err}
	default:
		return &ClassifiedError{Kind: KindServer, StatusCode: status, Err: err}
	}
}
