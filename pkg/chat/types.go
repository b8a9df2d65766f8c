package chat

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Message is one chat turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of a chat relay call.
type Request struct {
	Messages  []Message `json:"messages"`
	Task      string    `json:"task,omitempty"`
	Model     string    `json:"model,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

type Response struct {
	Content   string `json:"content"`
	Model     string `json:"model"`
	SessionID string `json:"sessionId,omitempty"`
}

type SummaryResponse struct {
	Summary string `json:"summary"`
	Model   string `json:"model"`
}

// Completer sends messages to a model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, model string, messages []Message) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	return f(ctx, model, messages)
}

// ErrEmptyContent is returned by completers when upstream answered without text.
var ErrEmptyContent = errors.New("upstream returned empty content")

// RequestError carries the HTTP status and client-facing message for a failed call.
type RequestError struct {
	Status    int
	ClientMsg string
	Err       error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.ClientMsg + ": " + e.Err.Error()
	}
	return e.ClientMsg
}

func (e *RequestError) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: 400, ClientMsg: fmt.Sprintf(format, args...)}
}

// UpstreamError is returned by completers when the provider answered with an error.
type UpstreamError struct {
	Status int
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Detail)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
