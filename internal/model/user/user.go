package user

import "time"

// User is an account that can log in and own chat sessions.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LoginSession binds a cookie key to a user until it expires.
type LoginSession struct {
	Key       string
	UserID    int64
	ExpiresAt time.Time
}

// Expired reports whether the login session is no longer valid at now.
func (s LoginSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
