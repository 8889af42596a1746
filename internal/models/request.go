package models

import (
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a ConversationRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDenied   RequestStatus = "denied"
)

// ParseRequestStatus validates a stored status value.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestPending, RequestAccepted, RequestDenied:
		return st, nil
	default:
		return "", fmt.Errorf("unknown request status %q", s)
	}
}

// Active reports whether the request blocks a new one for the same pair.
func (s RequestStatus) Active() bool {
	return s == RequestPending || s == RequestAccepted
}

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestDenied
}

// CanTransition reports whether s may move to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	return s == RequestPending && (next == RequestAccepted || next == RequestDenied)
}

type ConversationRequest struct {
	ID             int64         `json:"id" db:"id"`
	RequesterID    int64         `json:"-" db:"requester_id"`
	RecipientID    int64         `json:"-" db:"recipient_id"`
	Status         RequestStatus `json:"status" db:"status"`
	Message        string        `json:"message" db:"message"`
	ConversationID *int64        `json:"conversation_id,omitempty" db:"conversation_id"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty" db:"responded_at"`

	Requester *PublicUser `json:"requester,omitempty"`
	Recipient *PublicUser `json:"recipient,omitempty"`
}

// Counterpart returns the participant that is not userID.
func (r *ConversationRequest) Counterpart(userID int64) int64 {
	if r.RequesterID == userID {
		return r.RecipientID
	}
	return r.RequesterID
}

// RequestList is the inbox/outbox view of requests for one user.
type RequestList struct {
	Received []ConversationRequest `json:"received"`
	Sent     []ConversationRequest `json:"sent"`
}

type CreateRequestRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Message   string `json:"message" binding:"max=10000"`
}

type RespondRequest struct {
	Action string `json:"action" binding:"required,oneof=accept deny"`
}

type RespondResponse struct {
	Request      ConversationRequest `json:"request"`
	Conversation *ConversationView   `json:"conversation,omitempty"`
}
