// Package openrouter implements chat.Completer against an OpenAI-compatible
// chat completions endpoint (OpenRouter by default).
package openrouter

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/therapist/pkg/chat"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultReferer = "https://local.dev"
	DefaultTitle   = "NLP Therapy AI"
	DefaultTimeout = 60 * time.Second
)

type Settings struct {
	APIKey  string
	BaseURL string
	// Referer and Title are sent as HTTP-Referer and X-Title for provider attribution.
	Referer string
	Title   string
	Timeout time.Duration
	// Transport is the underlying round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

type Client struct {
	api *openai.Client
}

var _ chat.Completer = &Client{}

func New(s Settings) (*Client, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("openrouter: api key is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	referer := s.Referer
	if referer == "" {
		referer = DefaultReferer
	}
	title := s.Title
	if title == "" {
		title = DefaultTitle
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rt := s.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	cfg := openai.DefaultConfig(s.APIKey)
	cfg.BaseURL = base
	cfg.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			base: rt,
			headers: map[string]string{
				"HTTP-Referer": referer,
				"X-Title":      title,
			},
		},
	}
	return &Client{api: openai.NewClientWithConfig(cfg)}, nil
}

// Complete sends one non-streaming chat completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", toUpstreamError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", chat.ErrEmptyContent
	}
	return resp.Choices[0].Message.Content, nil
}

func toUpstreamError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) && apiErr != nil {
		return &chat.UpstreamError{Status: apiErr.HTTPStatusCode, Detail: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) && reqErr != nil {
		detail := err.Error()
		if reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &chat.UpstreamError{Status: reqErr.HTTPStatusCode, Detail: detail, Err: err}
	}
	return &chat.UpstreamError{Status: http.StatusBadGateway, Detail: err.Error(), Err: err}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}
