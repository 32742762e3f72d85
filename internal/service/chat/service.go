// Package chat runs the realtime message pipeline: one processing pass per
// inbound frame, from rate limiting to the outbound event.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/observability"
	"github.com/zhouzirui/webchat/backend/internal/service/ai"
	"github.com/zhouzirui/webchat/backend/internal/store"
)

const (
	// ApologyReply is persisted and sent when the model cannot answer.
	ApologyReply = "I am currently experiencing connection issues with my brain. Please try again in a moment."

	GenericErrorMessage   = "Something went wrong. Please try again."
	RateLimitedMessage    = "You are sending messages too quickly. Please wait a moment."
	InvalidInputMessage   = "Message must be a non-empty string."
	UnknownSessionMessage = "Session not found."
)

// MaxContentBytes caps the trimmed text of one input.
const MaxContentBytes = 32 << 10

// Event types sent to the client.
const (
	EventChatMessage = "chat_message"
	EventError       = "error"
)

// Event is one outbound websocket frame.
type Event struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func errorEvent(message string) *Event {
	return &Event{Type: EventError, Message: message}
}

// Store is the persistence the pipeline needs.
type Store interface {
	store.Sessions
	store.Messages
}

// Config tunes the pipeline.
type Config struct {
	RateLimitInterval    time.Duration
	ContextWindow        int
	TitleFallbackLength  int
	ForeignSessionPolicy string
	ReportInvalidInput   bool
}

// ConfigFrom converts the environment configuration.
func ConfigFrom(c config.ChatConfig) Config {
	return Config{
		RateLimitInterval:    c.RateLimitInterval,
		ContextWindow:        c.ContextWindow,
		TitleFallbackLength:  c.TitleFallbackLength,
		ForeignSessionPolicy: c.ForeignSessionPolicy,
		ReportInvalidInput:   c.ReportInvalidInput,
	}
}

// Service holds what every conversation shares: store, gateway and settings.
type Service struct {
	store    Store
	gateway  ai.Gateway
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	validate *validator.Validate
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source of the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 创建聊天管线服务。
func NewService(st Store, gateway ai.Gateway, cfg Config, opts ...Option) *Service {
	if cfg.ContextWindow < 1 {
		cfg.ContextWindow = 10
	}
	if cfg.TitleFallbackLength < 1 {
		cfg.TitleFallbackLength = 30
	}
	if cfg.ForeignSessionPolicy == "" {
		cfg.ForeignSessionPolicy = config.ForeignSessionCreate
	}

	s := &Service{
		store:    st,
		gateway:  gateway,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s
}

// Conversation is the per-connection state of an authenticated user. Handle
// must be called sequentially; the connection's read loop guarantees that.
type Conversation struct {
	svc     *Service
	userID  int64
	limiter *rate.Limiter
}

// NewConversation starts the state of a fresh connection for userID.
func (s *Service) NewConversation(userID int64) *Conversation {
	limit := rate.Inf
	if s.cfg.RateLimitInterval > 0 {
		limit = rate.Every(s.cfg.RateLimitInterval)
	}
	return &Conversation{
		svc:     s,
		userID:  userID,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Handle runs one processing pass over a raw inbound frame and returns the
// event to send back, or nil when the frame is dropped silently. It never
// panics and never returns an error: internal failures become a generic
// error event and the connection stays usable.
func (c *Conversation) Handle(ctx context.Context, raw []byte) (ev *Event) {
	s := c.svc
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during chat pass", "user_id", c.userID, "panic", r, "stack", string(debug.Stack()))
			s.metrics.RecordPass(observability.OutcomeError)
			ev = errorEvent(GenericErrorMessage)
		}
	}()

	ev, outcome, err := c.process(ctx, raw)
	if err != nil {
		s.logger.Error("chat pass failed", "user_id", c.userID, "error", err)
		s.metrics.RecordPass(observability.OutcomeError)
		return errorEvent(GenericErrorMessage)
	}
	s.metrics.RecordPass(outcome)
	return ev
}

func (c *Conversation) process(ctx context.Context, raw []byte) (*Event, string, error) {
	s := c.svc

	if !c.limiter.AllowN(s.now(), 1) {
		return errorEvent(RateLimitedMessage), observability.OutcomeRateLimited, nil
	}

	in, ok := s.parse(raw)
	if !ok {
		s.logger.Debug("dropping invalid input", "user_id", c.userID, "bytes", len(raw))
		if s.cfg.ReportInvalidInput {
			return errorEvent(InvalidInputMessage), observability.OutcomeInvalid, nil
		}
		return nil, observability.OutcomeInvalid, nil
	}

	session, wasNew, err := c.resolveSession(ctx, in.SessionRef)
	if errors.Is(err, store.ErrSessionNotFound) {
		return errorEvent(UnknownSessionMessage), observability.OutcomeRejected, nil
	}
	if err != nil {
		return nil, "", err
	}

	if wasNew || session.Untitled() {
		session = s.assignTitle(ctx, session, in.Text)
	}

	userMsg, err := s.store.AppendMessage(ctx, session.ID, in.Text, true)
	if err != nil {
		return nil, "", fmt.Errorf("persist input: %w", err)
	}

	recent, err := s.store.RecentMessages(ctx, session.ID, s.cfg.ContextWindow, userMsg.ID)
	if err != nil {
		return nil, "", fmt.Errorf("load context: %w", err)
	}

	reply, err := s.gateway.Respond(ctx, chat.Turns(recent), in.Text)
	if err != nil {
		s.logger.Warn("model reply failed, using fallback", "session_id", session.ID, "error", err)
		reply = ApologyReply
	}

	if _, err := s.store.AppendMessage(ctx, session.ID, reply, false); err != nil {
		return nil, "", fmt.Errorf("persist reply: %w", err)
	}

	return &Event{Type: EventChatMessage, Message: reply, SessionID: session.ID}, observability.OutcomeReplied, nil
}

// resolveSession reuses the caller's session named by ref or creates a new one.
// Under the reject policy an unresolvable ref yields store.ErrSessionNotFound.
func (c *Conversation) resolveSession(ctx context.Context, ref string) (chat.Session, bool, error) {
	s := c.svc
	if ref != "" {
		session, err := s.store.GetSession(ctx, ref, c.userID)
		switch {
		case err == nil:
			return session, false, nil
		case !errors.Is(err, store.ErrSessionNotFound):
			return chat.Session{}, false, fmt.Errorf("lookup session: %w", err)
		case s.cfg.ForeignSessionPolicy == config.ForeignSessionReject:
			return chat.Session{}, false, err
		}
		s.logger.Info("unresolvable session id, starting a new session", "user_id", c.userID, "session_id", ref)
	}

	session, err := s.store.CreateSession(ctx, c.userID, chat.DefaultTitle)
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("create session: %w", err)
	}
	return session, true, nil
}

// assignTitle names the session after input. Failures only cost the title.
func (s *Service) assignTitle(ctx context.Context, session chat.Session, input string) chat.Session {
	title, err := s.gateway.Summarize(ctx, input)
	if err == nil {
		title = cleanTitle(title)
	}
	if err != nil || title == "" {
		if err != nil {
			s.logger.Warn("title generation failed", "session_id", session.ID, "error", err)
		}
		title = fallbackTitle(input, s.cfg.TitleFallbackLength)
		s.metrics.RecordTitleFallback()
	}

	updated, err := s.store.UpdateTitle(ctx, session.ID, session.UserID, title)
	if err != nil {
		s.logger.Warn("failed to store session title", "session_id", session.ID, "error", err)
		return session
	}
	return updated
}

type userInput struct {
	Text       string `validate:"required"`
	SessionRef string
}

func (s *Service) parse(raw []byte) (userInput, bool) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Message == nil {
		return userInput{}, false
	}
	in := userInput{Text: trim(*frame.Message), SessionRef: string(frame.SessionID)}
	if err := s.validate.Struct(in); err != nil || len(in.Text) > MaxContentBytes {
		return userInput{}, false
	}
	return in, true
}
