package models

import "time"

// Message captures a single chat turn. Content is plaintext in memory and
// ciphertext at rest; the store encrypts on write and decrypts on read.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	AccountID string    `json:"-"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// DecryptFailed marks a message whose stored blob could not be
	// authenticated. Content is empty in that case; presentation layers
	// substitute a localized placeholder.
	DecryptFailed bool `json:"decryptFailed,omitempty"`
}
