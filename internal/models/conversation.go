package models

import "time"

type Conversation struct {
	ID        int64     `json:"id" db:"id"`
	UserAID   int64     `json:"-" db:"user_a_id"`
	UserBID   int64     `json:"-" db:"user_b_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizePair orders two user ids so (a, b) and (b, a) share one key.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two members.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.UserAID == userID || c.UserBID == userID
}

// OtherUserID returns whichever participant is not the viewer.
func (c *Conversation) OtherUserID(viewerID int64) int64 {
	if c.UserAID == viewerID {
		return c.UserBID
	}
	return c.UserAID
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	Conversation
	OtherUser       PublicUser `json:"other_user"`
	OtherUserOnline bool       `json:"other_user_online"`
	LastMessage     *Message   `json:"last_message"`
	UnreadCount     int        `json:"unread_count"`
}
