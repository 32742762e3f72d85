package chat

import "time"

// Role identifies who authored a turn in the model context.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one append-only turn of a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"-"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	CreatedAt time.Time `json:"created_at"`
}

// Role maps the origin flag onto a context role.
func (m Message) Role() Role {
	if m.IsUser {
		return RoleUser
	}
	return RoleModel
}

// Turn is one (role, text) pair of the conversation context handed to the model.
type Turn struct {
	Role Role
	Text string
}

// Turns converts stored messages into context turns, preserving order.
func Turns(messages []Message) []Turn {
	if len(messages) == 0 {
		return nil
	}
	turns := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, Turn{Role: msg.Role(), Text: msg.Content})
	}
	return turns
}
