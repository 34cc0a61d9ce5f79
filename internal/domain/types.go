package domain

import "time"

// Connection is one user's current live transport session. There is at
// most one per user; a newer connect supersedes the old one.
type Connection struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// UserPresence is the derived online/typing view for a user. It is a
// projection: IsOnline is only true while a live Connection exists.
type UserPresence struct {
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Email         string    `json:"email,omitempty"`
	IsOnline      bool      `json:"is_online"`
	LastActiveAt  time.Time `json:"last_active_at,omitempty"`
	IsTyping      bool      `json:"is_typing"`
	ChatPartnerID string    `json:"chat_partner_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// DirectoryUser is the identity tuple supplied by the external directory.
// The service never derives or validates these attributes itself.
type DirectoryUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}
