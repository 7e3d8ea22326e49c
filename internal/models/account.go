package models

import "time"

// Account is the identity record behind every session and message. The chat
// core only reads ID, EmailVerified, and CreatedAt; the rest belongs to the
// identity service.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}
