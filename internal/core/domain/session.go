package domain

import "time"

// StreamSession is one live client stream tracked by the concurrency guard.
type StreamSession struct {
	ConnectionID   string    `json:"connection_id"`
	UserID         string    `json:"user_id"`
	Anonymous      bool      `json:"anonymous"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Identity is the caller as established by the auth layer.
type Identity struct {
	UserID    string
	TenantID  string
	Anonymous bool
}
