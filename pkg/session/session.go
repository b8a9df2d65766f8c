package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
)

// Role identifies who authored a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	DefaultSilenceThreshold = 15 * time.Second
	// MaxReportedDuration caps durationMs so stale sessions don't report runaway values.
	MaxReportedDuration = 24 * time.Hour
)

// Message is one transcript entry.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Billing is the billing part of Status.
type Billing struct {
	Active  bool  `json:"active"`
	TotalMs int64 `json:"totalMs"`
}

// Status is the JSON view returned to clients after every lifecycle call.
type Status struct {
	ID                 string  `json:"id"`
	State              State   `json:"state"`
	StartedAt          *int64  `json:"startedAt"`
	EndedAt            *int64  `json:"endedAt"`
	DurationMs         int64   `json:"durationMs"`
	Billing            Billing `json:"billing"`
	Listening          bool    `json:"listening"`
	SilenceMs          int64   `json:"silenceMs"`
	SilenceThresholdMs int64   `json:"silenceThresholdMs"`
	CanPromptSilence   bool    `json:"canPromptSilence"`
}

// Snapshot is the full record of a session, used when archiving.
type Snapshot struct {
	Status    Status    `json:"status"`
	CreatedAt int64     `json:"createdAt"`
	BillingMs int64     `json:"billingMs"`
	History   []Message `json:"history"`
}

// Clock returns the current time.
type Clock func() time.Time

type options struct {
	id               string
	silenceThreshold time.Duration
	clock            Clock
}

// Option configures a Session at construction time.
type Option func(*options)

// WithID seeds the session id instead of generating one.
func WithID(id string) Option {
	return func(o *options) { o.id = strings.TrimSpace(id) }
}

// WithSilenceThreshold overrides DefaultSilenceThreshold. Non-positive values are ignored.
func WithSilenceThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.silenceThreshold = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Session is a single conversation's lifecycle, billing timer and transcript.
//
// All methods are safe for concurrent use. Invalid transitions are silent
// no-ops so duplicate or out-of-order client calls never fail.
type Session struct {
	id    string
	clock Clock

	mu               sync.Mutex
	state            State
	createdAt        time.Time
	startedAt        time.Time
	endedAt          time.Time
	billingStartedAt time.Time
	billingMs        int64
	lastActivityAt   time.Time
	silenceMs        int64
	silenceThreshold time.Duration
	history          []Message
}

// New builds an idle session.
func New(opts ...Option) *Session {
	o := options{
		silenceThreshold: DefaultSilenceThreshold,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return &Session{
		id:               o.id,
		clock:            o.clock,
		state:            StateIdle,
		createdAt:        o.clock(),
		silenceThreshold: o.silenceThreshold,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Start moves an idle or paused session into listening.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StatePaused {
		return
	}
	now := s.clock()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
	s.state = StateListening
	s.lastActivityAt = now
}

// Pause closes any open billing interval and parks the session.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused || s.state == StateEnded {
		return
	}
	s.closeBillingLocked(s.clock())
	s.state = StatePaused
}

// End is terminal. A second call changes nothing.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	now := s.clock()
	s.closeBillingLocked(now)
	s.state = StateEnded
	s.endedAt = now
}

// BeginBilling opens a billing interval unless one is already open.
func (s *Session) BeginBilling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.billingStartedAt.IsZero() {
		return
	}
	s.billingStartedAt = s.clock()
}

func (s *Session) closeBillingLocked(now time.Time) {
	if s.billingStartedAt.IsZero() {
		return
	}
	s.billingMs += nonNegativeMs(now.Sub(s.billingStartedAt))
	s.billingStartedAt = time.Time{}
}

// AddUserMessage records a user turn and resets silence. State is left alone.
func (s *Session) AddUserMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.history = append(s.history, Message{Role: RoleUser, Content: content, Timestamp: now.UnixMilli()})
	s.lastActivityAt = now
	s.silenceMs = 0
}

// AddAssistantMessage records an assistant turn. Activity and silence are untouched.
func (s *Session) AddAssistantMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleAssistant, Content: content, Timestamp: s.clock().UnixMilli()})
}

// MarkProcessing flags an in-flight model request.
func (s *Session) MarkProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.state = StateProcessing
}

// MarkResponded returns a processing session to listening and records activity.
// A session paused while the request was in flight stays paused.
func (s *Session) MarkResponded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	if s.state == StateProcessing {
		s.state = StateListening
	}
	s.lastActivityAt = s.clock()
}

// Touch is an explicit activity marker.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.lastActivityAt = s.clock()
}

// Tick recomputes silence while listening. Call it before Status when a fresh
// silence value is needed.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return
	}
	if s.lastActivityAt.IsZero() {
		s.silenceMs = 0
		return
	}
	s.silenceMs = s.clock().Sub(s.lastActivityAt).Milliseconds()
}

// Status is a pure read of the current session view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(s.clock())
}

func (s *Session) statusLocked(now time.Time) Status {
	st := Status{
		ID:                 s.id,
		State:              s.state,
		StartedAt:          msPtr(s.startedAt),
		EndedAt:            msPtr(s.endedAt),
		Listening:          s.state == StateListening,
		SilenceMs:          s.silenceMs,
		SilenceThresholdMs: s.silenceThreshold.Milliseconds(),
	}
	if !s.startedAt.IsZero() {
		until := now
		if !s.endedAt.IsZero() {
			until = s.endedAt
		}
		d := until.Sub(s.startedAt)
		if d > MaxReportedDuration {
			d = MaxReportedDuration
		}
		st.DurationMs = nonNegativeMs(d)
	}
	st.Billing.TotalMs = s.billingMs
	if !s.billingStartedAt.IsZero() {
		st.Billing.Active = true
		st.Billing.TotalMs += nonNegativeMs(now.Sub(s.billingStartedAt))
	}
	st.CanPromptSilence = st.SilenceMs >= st.SilenceThresholdMs
	return st
}

// History returns a copy of the transcript in insertion order.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Transcript renders the history as "ROLE: content" lines.
func (s *Session) Transcript() string {
	history := s.History()
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, strings.ToUpper(string(m.Role))+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:    s.statusLocked(s.clock()),
		CreatedAt: s.createdAt.UnixMilli(),
		BillingMs: s.billingMs,
		History:   append([]Message(nil), s.history...),
	}
}

func nonNegativeMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

func msPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
