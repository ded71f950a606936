package models

import "github.com/google/uuid"

// User is an account row. Ephemeral users are minted on the fly for guests
// joining a lobby without credentials; they can log in later and keep racing
// under a registered name.
type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Password string    `json:"password,omitempty"`
	Username string    `json:"username"`

	AvatarURL string `json:"avatarUrl,omitempty"`

	IsEphemeral bool `json:"is_ephemeral"`
	IsAdmin     bool `json:"is_admin"`
}
