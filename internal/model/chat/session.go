package chat

import "time"

// DefaultTitle marks a session whose title has not been generated yet.
const DefaultTitle = "New Chat"

// MaxTitleLength caps stored titles, in runes.
const MaxTitleLength = 200

// Session is a conversation thread owned by exactly one user.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Untitled reports whether the session still carries the placeholder title.
func (s Session) Untitled() bool {
	return s.Title == "" || s.Title == DefaultTitle
}
