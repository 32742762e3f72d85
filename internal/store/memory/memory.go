// Package memory implements store.Store in process memory. It backs local
// development when no database is configured, and the package tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/internal/store"
)

// Store keeps every record behind a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	users    map[int64]user.User
	logins   map[string]user.LoginSession

	nextMessageID int64
	nextUserID    int64
}

var _ store.Store = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		users:    make(map[int64]user.User),
		logins:   make(map[string]user.LoginSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() {}

// CreateSession provisions a session owned by userID.
func (s *Store) CreateSession(_ context.Context, userID int64, title string) (chat.Session, error) {
	if title == "" {
		title = chat.DefaultTitle
	}
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier, scoped to its owner.
func (s *Store) GetSession(_ context.Context, sessionID string, userID int64) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return chat.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(_ context.Context, userID int64) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]chat.Session, 0)
	for _, session := range s.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	slices.SortFunc(sessions, func(a, b chat.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sessions, nil
}

// UpdateTitle overwrites the session title.
func (s *Store) UpdateTitle(_ context.Context, sessionID string, userID int64, title string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return chat.Session{}, store.ErrSessionNotFound
	}
	session.Title = title
	s.sessions[sessionID] = session
	return session, nil
}

// AppendMessage appends a message to the session history. Timestamps never go
// backwards within a session, even if the clock does.
func (s *Store) AppendMessage(_ context.Context, sessionID, content string, isUser bool) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return chat.Message{}, store.ErrSessionNotFound
	}

	createdAt := s.now().UTC()
	history := s.messages[sessionID]
	if n := len(history); n > 0 && createdAt.Before(history[n-1].CreatedAt) {
		createdAt = history[n-1].CreatedAt
	}

	s.nextMessageID++
	message := chat.Message{
		ID:        s.nextMessageID,
		SessionID: sessionID,
		Content:   content,
		IsUser:    isUser,
		CreatedAt: createdAt,
	}
	s.messages[sessionID] = append(history, message)
	return message, nil
}

// ListMessages returns stored messages for the provided session.
func (s *Store) ListMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return slices.Clone(messages), nil
}

// RecentMessages returns the newest messages of the session in chronological order.
func (s *Store) RecentMessages(_ context.Context, sessionID string, limit int, excludeID int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if limit <= 0 {
		return nil, nil
	}

	recent := make([]chat.Message, 0, limit)
	for i := len(messages) - 1; i >= 0 && len(recent) < limit; i-- {
		if messages[i].ID == excludeID {
			continue
		}
		recent = append(recent, messages[i])
	}
	slices.Reverse(recent)
	return recent, nil
}

// CreateUser registers an account. Usernames are unique case-insensitively.
func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, username) {
			return user.User{}, store.ErrUsernameTaken
		}
	}

	s.nextUserID++
	u := user.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	s.users[u.ID] = u
	return u, nil
}

// GetUser looks up an account by id.
func (s *Store) GetUser(_ context.Context, id int64) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, store.ErrUserNotFound
	}
	return u, nil
}

// GetUserByUsername looks up an account by username.
func (s *Store) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return user.User{}, store.ErrUserNotFound
}

// CreateLoginSession stores a login session.
func (s *Store) CreateLoginSession(_ context.Context, session user.LoginSession) error {
	s.mu.Lock()
	s.logins[session.Key] = session
	s.mu.Unlock()
	return nil
}

// GetLoginSession resolves a cookie key. Expired entries are purged on access.
func (s *Store) GetLoginSession(_ context.Context, key string) (user.LoginSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.logins[key]
	if !ok {
		return user.LoginSession{}, store.ErrLoginSessionNotFound
	}
	if session.Expired(s.now()) {
		delete(s.logins, key)
		return user.LoginSession{}, store.ErrLoginSessionNotFound
	}
	return session, nil
}

// DeleteLoginSession removes a login session; unknown keys are ignored.
func (s *Store) DeleteLoginSession(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.logins, key)
	s.mu.Unlock()
	return nil
}
