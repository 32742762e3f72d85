// Package store defines the persistence contracts shared by the chat pipeline,
// the authenticator and the REST handlers.
//
// Every session-scoped lookup takes the owning user id and treats a session
// owned by someone else exactly like a missing one.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/model/user"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrLoginSessionNotFound = errors.New("login session not found")
)

// Sessions persists chat sessions.
type Sessions interface {
	CreateSession(ctx context.Context, userID int64, title string) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string, userID int64) (chat.Session, error)
	// ListSessions returns the user's sessions, newest first.
	ListSessions(ctx context.Context, userID int64) ([]chat.Session, error)
	UpdateTitle(ctx context.Context, sessionID string, userID int64, title string) (chat.Session, error)
}

// Messages persists the append-only message log of each session.
type Messages interface {
	AppendMessage(ctx context.Context, sessionID, content string, isUser bool) (chat.Message, error)
	// ListMessages returns every message of the session in creation order.
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
	// RecentMessages returns at most limit of the newest messages, skipping
	// excludeID, in creation order.
	RecentMessages(ctx context.Context, sessionID string, limit int, excludeID int64) ([]chat.Message, error)
}

// Users persists accounts.
type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string) (user.User, error)
	GetUser(ctx context.Context, id int64) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)
}

// LoginSessions persists cookie-backed login sessions.
type LoginSessions interface {
	CreateLoginSession(ctx context.Context, session user.LoginSession) error
	// GetLoginSession returns ErrLoginSessionNotFound for unknown or expired keys.
	GetLoginSession(ctx context.Context, key string) (user.LoginSession, error)
	DeleteLoginSession(ctx context.Context, key string) error
}

// Store is the full persistence surface of the service.
type Store interface {
	Sessions
	Messages
	Users
	LoginSessions
	Close()
}
