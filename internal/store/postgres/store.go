package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/internal/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is the PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool. The store owns the pool from then on.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateSession(ctx context.Context, userID int64, title string) (chat.Session, error) {
	if title == "" {
		title = chat.DefaultTitle
	}
	session := chat.Session{ID: uuid.NewString(), UserID: userID, Title: title}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (id, user_id, title) VALUES ($1::uuid, $2, $3) RETURNING created_at`,
		session.ID, userID, title,
	).Scan(&session.CreatedAt)
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string, userID int64) (chat.Session, error) {
	if !validSessionID(sessionID) {
		return chat.Session{}, store.ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, title, created_at FROM chat_sessions WHERE id = $1::uuid AND user_id = $2`,
		sessionID, userID,
	)
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	session, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID int64) ([]chat.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, title, created_at FROM chat_sessions WHERE user_id = $1 ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID string, userID int64, title string) (chat.Session, error) {
	if !validSessionID(sessionID) {
		return chat.Session{}, store.ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE chat_sessions SET title = $3 WHERE id = $1::uuid AND user_id = $2
		 RETURNING id::text, user_id, title, created_at`,
		sessionID, userID, title,
	)
	if err != nil {
		return chat.Session{}, fmt.Errorf("update title: %w", err)
	}
	session, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("update title: %w", err)
	}
	return session, nil
}

// AppendMessage stamps the row no earlier than the newest message of the
// session so creation order and timestamp order always agree.
func (s *Store) AppendMessage(ctx context.Context, sessionID, content string, isUser bool) (chat.Message, error) {
	if !validSessionID(sessionID) {
		return chat.Message{}, store.ErrSessionNotFound
	}

	message := chat.Message{SessionID: sessionID, Content: content, IsUser: isUser}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (session_id, content, is_user, created_at)
		 VALUES ($1::uuid, $2, $3, GREATEST(clock_timestamp(),
		     COALESCE((SELECT max(created_at) FROM chat_messages WHERE session_id = $1::uuid), '-infinity')))
		 RETURNING id, created_at`,
		sessionID, content, isUser,
	).Scan(&message.ID, &message.CreatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return chat.Message{}, store.ErrSessionNotFound
		}
		return chat.Message{}, fmt.Errorf("append message: %w", err)
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if !validSessionID(sessionID) {
		return nil, store.ErrSessionNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id::text, content, is_user, created_at
		 FROM chat_messages WHERE session_id = $1::uuid ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int, excludeID int64) ([]chat.Message, error) {
	if !validSessionID(sessionID) {
		return nil, store.ErrSessionNotFound
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, content, is_user, created_at FROM (
		     SELECT id, session_id::text, content, is_user, created_at
		     FROM chat_messages
		     WHERE session_id = $1::uuid AND id <> $2
		     ORDER BY created_at DESC, id DESC
		     LIMIT $3
		 ) recent ORDER BY created_at, id`,
		sessionID, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return messages, nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (user.User, error) {
	u := user.User{Username: username, PasswordHash: passwordHash}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, created_at`,
		username, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return user.User{}, store.ErrUsernameTaken
		}
		return user.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (user.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id)
	if err != nil {
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	return collectUser(rows)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE lower(username) = lower($1)`,
		strings.TrimSpace(username))
	if err != nil {
		return user.User{}, fmt.Errorf("get user by username: %w", err)
	}
	return collectUser(rows)
}

func (s *Store) CreateLoginSession(ctx context.Context, session user.LoginSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO login_sessions (key, user_id, expires_at) VALUES ($1, $2, $3)`,
		session.Key, session.UserID, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create login session: %w", err)
	}
	return nil
}

func (s *Store) GetLoginSession(ctx context.Context, key string) (user.LoginSession, error) {
	var session user.LoginSession
	err := s.pool.QueryRow(ctx,
		`SELECT key, user_id, expires_at FROM login_sessions WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&session.Key, &session.UserID, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return user.LoginSession{}, store.ErrLoginSessionNotFound
	}
	if err != nil {
		return user.LoginSession{}, fmt.Errorf("get login session: %w", err)
	}
	return session, nil
}

func (s *Store) DeleteLoginSession(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM login_sessions WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete login session: %w", err)
	}
	return nil
}

// PurgeExpiredLoginSessions deletes expired login sessions and reports how many were removed.
func (s *Store) PurgeExpiredLoginSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM login_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge login sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.CollectableRow) (chat.Session, error) {
	var session chat.Session
	err := row.Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt)
	return session, err
}

func scanMessage(row pgx.CollectableRow) (chat.Message, error) {
	var message chat.Message
	err := row.Scan(&message.ID, &message.SessionID, &message.Content, &message.IsUser, &message.CreatedAt)
	return message, err
}

func collectUser(rows pgx.Rows) (user.User, error) {
	u, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (user.User, error) {
		var u user.User
		err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
		return u, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return user.User{}, store.ErrUserNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("collect user: %w", err)
	}
	return u, nil
}

func validSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
