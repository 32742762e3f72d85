package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/zhouzirui/webchat/backend/internal/model/chat"
)

// inboundFrame is the client payload {"message": ..., "session_id": ...}.
type inboundFrame struct {
	Message   *string    `json:"message"`
	SessionID sessionRef `json:"session_id"`
}

// sessionRef accepts a string, a number or null. Any other shape is treated
// as absent so the pass starts a new session.
type sessionRef string

func (r *sessionRef) UnmarshalJSON(data []byte) error {
	*r = ""
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = sessionRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = sessionRef(n.String())
	}
	return nil
}

func trim(s string) string {
	return strings.TrimSpace(s)
}

// title quotes the model likes to wrap its answer in
const titleQuotes = "\"'`“”‘’「」"

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(strings.Trim(title, titleQuotes))
	return clipRunes(title, chat.MaxTitleLength)
}

// fallbackTitle is the first n runes of the input followed by "...".
func fallbackTitle(input string, n int) string {
	const suffix = "..."
	if limit := chat.MaxTitleLength - len(suffix); n > limit {
		n = limit
	}
	return clipRunes(input, n) + suffix
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
