package models

import "time"

// Session is a titled conversation thread owned by a single account.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
