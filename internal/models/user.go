package models

import (
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID          int64     `json:"-" db:"id"`
	Email       string    `json:"email,omitempty" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Validate checks basic user fields
func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("invalid email")
	}
	if u.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if len(u.DisplayName) < 2 || len(u.DisplayName) > 100 {
		return fmt.Errorf("display name length invalid")
	}
	return nil
}

// PublicUser is the externally visible profile. Alias replaces the numeric id.
type PublicUser struct {
	Alias       string `json:"alias"`
	DisplayName string `json:"display_name"`
}

// MeResponse is the caller's own profile.
type MeResponse struct {
	PublicUser
	Email string `json:"email"`
}

// ProfileResponse is another user's profile as seen by the caller.
type ProfileResponse struct {
	PublicUser
	Self           bool   `json:"self"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}
