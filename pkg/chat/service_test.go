package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/therapist/pkg/routing"
	"github.com/go-go-golems/therapist/pkg/session"
)

type recordingCompleter struct {
	model    string
	messages []Message
	reply    string
	err      error
	onCall   func()
}

func (c *recordingCompleter) Complete(_ context.Context, model string, messages []Message) (string, error) {
	c.model = model
	c.messages = messages
	if c.onCall != nil {
		c.onCall()
	}
	return c.reply, c.err
}

func newTestService(t *testing.T, completer Completer, policy *routing.Policy) (*Service, *session.Manager, *[]string) {
	t.Helper()
	sessions := session.NewManager(session.ManagerOptions{})
	var events []string
	svc, err := NewService(ServiceConfig{
		Sessions:     sessions,
		Completer:    completer,
		Policy:       policy,
		DefaultModel: "openai/gpt-4o-mini",
		Notify: func(_ context.Context, eventType string, _ *session.Session) {
			events = append(events, eventType)
		},
	})
	require.NoError(t, err)
	return svc, sessions, &events
}

func requireRequestError(t *testing.T, err error, status int, msg string) {
	t.Helper()
	var re *RequestError
	require.True(t, errors.As(err, &re), "expected *RequestError, got %v", err)
	require.Equal(t, status, re.Status)
	require.Equal(t, msg, re.ClientMsg)
}

func TestNewService_RequiresSessions(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.ErrorContains(t, err, "session manager is nil")
}

func TestResolveModel(t *testing.T) {
	policy, err := routing.Parse([]byte("tiers:\n  - name: t\n    use_for: [plan]\n    models: [policy/model]\n"))
	require.NoError(t, err)
	svc, _, _ := newTestService(t, nil, policy)

	require.Equal(t, "explicit/model", svc.ResolveModel("explicit/model", "plan"))
	require.Equal(t, "policy/model", svc.ResolveModel("", "plan"))
	require.Equal(t, "policy/model", svc.ResolveModel("", "other"))
	require.Equal(t, "openai/gpt-4o-mini", svc.ResolveModel("", ""))

	svc, _, _ = newTestService(t, nil, nil)
	require.Equal(t, "openai/gpt-4o-mini", svc.ResolveModel("", "plan"))
}

func TestChat_WithoutSession(t *testing.T) {
	c := &recordingCompleter{reply: "Mock AI response"}
	svc, sessions, events := newTestService(t, c, nil)

	resp, err := svc.Chat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "Hello"}}})
	require.NoError(t, err)
	require.Equal(t, Response{Content: "Mock AI response", Model: "openai/gpt-4o-mini"}, resp)
	require.Equal(t, "openai/gpt-4o-mini", c.model)
	require.Zero(t, sessions.Len())
	require.Empty(t, *events)
}

func TestChat_TracksSession(t *testing.T) {
	c := &recordingCompleter{reply: "I hear you."}
	svc, sessions, events := newTestService(t, c, nil)
	s := sessions.Create()
	s.Start()
	c.onCall = func() {
		require.Equal(t, session.StateProcessing, s.State())
	}

	resp, err := svc.Chat(context.Background(), Request{
		SessionID: s.ID(),
		Messages: []Message{
			{Role: "system", Content: "be kind"},
			{Role: "user", Content: "Hello"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, s.ID(), resp.SessionID)
	require.Equal(t, session.StateListening, s.State())

	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, session.RoleUser, history[0].Role)
	require.Equal(t, "Hello", history[0].Content)
	require.Equal(t, session.RoleAssistant, history[1].Role)
	require.Equal(t, "I hear you.", history[1].Content)
	require.Equal(t, []string{EventProcessing, EventResponded}, *events)
}

func TestChat_EnsuresUnknownSession(t *testing.T) {
	svc, sessions, _ := newTestService(t, &recordingCompleter{reply: "ok"}, nil)
	_, err := svc.Chat(context.Background(), Request{SessionID: "fresh", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	s, ok := sessions.Get("fresh")
	require.True(t, ok)
	require.Len(t, s.History(), 2)
}

func TestChat_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)
	_, err := svc.Chat(context.Background(), Request{})
	requireRequestError(t, err, http.StatusBadRequest, "At least one message is required")

	_, err = svc.Chat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	requireRequestError(t, err, http.StatusInternalServerError, "OPENROUTER_API_KEY not configured")

	sessions := session.NewManager(session.ManagerOptions{})
	noModel, err := NewService(ServiceConfig{Sessions: sessions, Completer: &recordingCompleter{reply: "x"}})
	require.NoError(t, err)
	_, err = noModel.Chat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	requireRequestError(t, err, http.StatusBadRequest, "Model not resolvable. Set OPENROUTER_MODEL or policy.")
}

func TestChat_UpstreamFailures(t *testing.T) {
	c := &recordingCompleter{err: ErrEmptyContent}
	svc, sessions, _ := newTestService(t, c, nil)
	msgs := []Message{{Role: "user", Content: "hi"}}

	_, err := svc.Chat(context.Background(), Request{Messages: msgs})
	requireRequestError(t, err, http.StatusBadGateway, "Upstream returned empty content")

	c.err = &UpstreamError{Status: http.StatusTooManyRequests, Detail: "slow down"}
	_, err = svc.Chat(context.Background(), Request{Messages: msgs, SessionID: "s1"})
	requireRequestError(t, err, http.StatusTooManyRequests, "Upstream error")
	require.Equal(t, "slow down", Detail(err))

	s, ok := sessions.Get("s1")
	require.True(t, ok)
	require.NotEqual(t, session.StateProcessing, s.State())
	require.Len(t, s.History(), 1)

	c.err = errors.New("connection reset")
	_, err = svc.Chat(context.Background(), Request{Messages: msgs})
	requireRequestError(t, err, http.StatusBadGateway, "Upstream error")
	require.Equal(t, "connection reset", Detail(err))
}

func TestSummarize(t *testing.T) {
	policy, err := routing.Parse([]byte("tiers:\n  - name: fast\n    use_for: [chat]\n    models: [fast/model]\n  - name: docs\n    use_for: [docs]\n    models: [docs/model]\n"))
	require.NoError(t, err)
	c := &recordingCompleter{reply: "A gentle summary."}
	svc, sessions, _ := newTestService(t, c, policy)

	s := sessions.Create()
	s.AddUserMessage("I feel anxious")
	s.AddAssistantMessage("Tell me more")

	resp, err := svc.Summarize(context.Background(), s.ID())
	require.NoError(t, err)
	require.Equal(t, SummaryResponse{Summary: "A gentle summary.", Model: "docs/model"}, resp)
	require.Len(t, c.messages, 2)
	require.Equal(t, "system", c.messages[0].Role)
	require.True(t, strings.HasSuffix(c.messages[1].Content, "USER: I feel anxious\nASSISTANT: Tell me more"))
}

func TestSummarize_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)
	_, err := svc.Summarize(context.Background(), "x")
	requireRequestError(t, err, http.StatusInternalServerError, "OPENROUTER_API_KEY not configured")

	svc, _, _ = newTestService(t, &recordingCompleter{reply: "x"}, nil)
	_, err = svc.Summarize(context.Background(), "")
	requireRequestError(t, err, http.StatusBadRequest, "sessionId is required")
	_, err = svc.Summarize(context.Background(), "missing")
	requireRequestError(t, err, http.StatusNotFound, "session not found")
}

func TestDecodeMessages(t *testing.T) {
	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"missing", ``, "At least one message is required"},
		{"null", `null`, "At least one message is required"},
		{"empty", `[]`, "At least one message is required"},
		{"not array", `{"role":"user"}`, "Messages must be an array"},
		{"not object", `["hello"]`, "Each message must be an object"},
		{"null item", `[null]`, "Each message must be an object"},
		{"missing content", `[{"role":"user"}]`, "Each message must have role and content fields"},
		{"empty content", `[{"role":"user","content":""}]`, "Each message must have role and content fields"},
		{"bad role", `[{"role":"robot","content":"hi"}]`, "Message role must be system, user, or assistant"},
		{"numeric role", `[{"role":5,"content":"hi"}]`, "Message role must be system, user, or assistant"},
		{"numeric content", `[{"role":"user","content":42}]`, "Message content must be a string"},
		{"too long", `[{"role":"user","content":"` + strings.Repeat("a", MaxContentLength+1) + `"}]`, "Message content too long (max 50000 characters)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessages(json.RawMessage(tc.body))
			requireRequestError(t, err, http.StatusBadRequest, tc.msg)
		})
	}

	msgs, err := DecodeMessages(json.RawMessage(`[{"role":"system","content":"s"},{"role":"user","content":"hi"}]`))
	require.NoError(t, err)
	require.Equal(t, []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "hi"}}, msgs)
}
