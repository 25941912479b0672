// Package telegram provides a native Go client for the Telegram Bot
// API: long-polling for inbound updates and sending text and photo
// replies.
package telegram

// Update is one item from the getUpdates result array. We only define
// the fields gembot consumes; the Bot API emits many more.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an inbound chat message. Text is a pointer so that
// non-text messages (photos, stickers, service messages) are
// distinguishable from an empty string.
type Message struct {
	MessageID int64   `json:"message_id"`
	From      *User   `json:"from,omitempty"`
	Chat      Chat    `json:"chat"`
	Date      int64   `json:"date"`
	Text      *string `json:"text,omitempty"`
}

// User identifies the message sender.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // "private", "group", ...
}

// SenderID returns the user id partitioning this message's history,
// falling back to the chat id when the sender is absent (e.g. channel
// posts).
func (m *Message) SenderID() int64 {
	if m.From != nil {
		return m.From.ID
	}
	return m.Chat.ID
}
