package chat

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/therapist/pkg/routing"
	"github.com/go-go-golems/therapist/pkg/session"
)

// SummaryTask is the routing task used to pick the summary model.
const SummaryTask = "docs"

const summarySystemPrompt = "You are an empathetic therapist assistant. Generate a concise, supportive session summary: key insights, emotional tone, gentle next steps, and optional resources. Use clear, non-clinical language."

// Session lifecycle event types emitted by the relay.
const (
	EventProcessing = "session.processing"
	EventResponded  = "session.responded"
)

// Notifier is told about session changes made by the relay.
type Notifier func(ctx context.Context, eventType string, s *session.Session)

type ServiceConfig struct {
	Sessions *session.Manager
	// Completer is nil when no provider key is configured; calls then fail with 500.
	Completer    Completer
	Policy       routing.Source
	DefaultModel string
	Notify       Notifier
}

// Service relays chat turns to a model and records them on sessions.
type Service struct {
	sessions     *session.Manager
	completer    Completer
	policy       routing.Source
	defaultModel string
	notify       Notifier
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("chat service session manager is nil")
	}
	policy := cfg.Policy
	if policy == nil {
		policy = &routing.Policy{}
	}
	return &Service{
		sessions:     cfg.Sessions,
		completer:    cfg.Completer,
		policy:       policy,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		notify:       cfg.Notify,
	}, nil
}

// ResolveModel picks the explicit model, then the policy route for task, then the default.
func (s *Service) ResolveModel(explicit, task string) string {
	if m := strings.TrimSpace(explicit); m != "" {
		return m
	}
	if task = strings.TrimSpace(task); task != "" {
		if m := s.policy.Policy().RouteModel(task); m != "" {
			return m
		}
	}
	return s.defaultModel
}

// Chat sends req.Messages upstream. With a session id, the first user message and
// the reply are recorded on the session.
func (s *Service) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ValidateMessages(req.Messages); err != nil {
		return Response{}, err
	}
	if s.completer == nil {
		return Response{}, &RequestError{Status: http.StatusInternalServerError, ClientMsg: "OPENROUTER_API_KEY not configured"}
	}
	model := s.ResolveModel(req.Model, req.Task)
	if model == "" {
		return Response{}, badRequest("Model not resolvable. Set OPENROUTER_MODEL or policy.")
	}

	sessionID := strings.TrimSpace(req.SessionID)
	var sess *session.Session
	if sessionID != "" {
		sess = s.sessions.Ensure(sessionID)
		sess.AddUserMessage(firstUserContent(req.Messages))
		sess.MarkProcessing()
		s.emit(ctx, EventProcessing, sess)
	}

	content, err := s.completer.Complete(ctx, model, req.Messages)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Str("model", model).Str("session_id", sessionID).Msg("chat completion failed")
		if sess != nil {
			sess.MarkResponded()
			s.emit(ctx, EventResponded, sess)
		}
		return Response{}, upstreamRequestError(err)
	}

	if sess != nil {
		sess.AddAssistantMessage(content)
		sess.MarkResponded()
		s.emit(ctx, EventResponded, sess)
	}
	return Response{Content: content, Model: model, SessionID: sessionID}, nil
}

// Summarize asks the docs-routed model for a client-facing summary of a session transcript.
func (s *Service) Summarize(ctx context.Context, sessionID string) (SummaryResponse, error) {
	if s.completer == nil {
		return SummaryResponse{}, &RequestError{Status: http.StatusInternalServerError, ClientMsg: "OPENROUTER_API_KEY not configured"}
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SummaryResponse{}, badRequest("sessionId is required")
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return SummaryResponse{}, &RequestError{Status: http.StatusNotFound, ClientMsg: "session not found"}
	}
	model := s.ResolveModel("", SummaryTask)
	if model == "" {
		return SummaryResponse{}, badRequest("Model not resolvable. Set OPENROUTER_MODEL or policy.")
	}

	messages := []Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: "Here is the session transcript. Summarize it for the client.\n\n" + sess.Transcript()},
	}
	content, err := s.completer.Complete(ctx, model, messages)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Str("model", model).Str("session_id", sessionID).Msg("summary completion failed")
		return SummaryResponse{}, upstreamRequestError(err)
	}
	return SummaryResponse{Summary: content, Model: model}, nil
}

func (s *Service) emit(ctx context.Context, eventType string, sess *session.Session) {
	if s.notify != nil {
		s.notify(ctx, eventType, sess)
	}
}

func firstUserContent(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

func upstreamRequestError(err error) *RequestError {
	if stderrors.Is(err, ErrEmptyContent) {
		return &RequestError{Status: http.StatusBadGateway, ClientMsg: "Upstream returned empty content", Err: err}
	}
	status := http.StatusBadGateway
	var ue *UpstreamError
	if stderrors.As(err, &ue) && ue != nil && ue.Status > 0 {
		status = ue.Status
	}
	return &RequestError{Status: status, ClientMsg: "Upstream error", Err: err}
}

// Detail returns the most specific upstream message carried by err.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var ue *UpstreamError
	if stderrors.As(err, &ue) && ue != nil && ue.Detail != "" {
		return ue.Detail
	}
	var re *RequestError
	if stderrors.As(err, &re) && re != nil && re.Err != nil {
		return re.Err.Error()
	}
	return err.Error()
}
