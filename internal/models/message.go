package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength bounds message bodies and request notes, in characters.
const MaxContentLength = 10000

type Message struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID int64      `json:"conversation_id" db:"conversation_id"`
	SenderID       int64      `json:"-" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ReadAt         *time.Time `json:"read_at" db:"read_at"`

	// Sender is the alias of SenderID.
	Sender string `json:"sender,omitempty"`
	// Mine is true when the viewing user sent the message.
	Mine bool `json:"mine"`
}

// NormalizeContent trims content and reports whether the result is acceptable.
func NormalizeContent(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxContentLength {
		return trimmed, false
	}
	return trimmed, true
}

// Before reports whether m sorts before other: by creation time, then id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type GetMessagesRequest struct {
	After int64 `form:"after"`
}

type MarkReadRequest struct {
	UpTo int64 `json:"up_to"`
}

type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}
