package models

import "time"

// ChatMessage is a persisted support chat message.
type ChatMessage struct {
	ID        string    `db:"id" json:"id"`
	Sender    string    `db:"sender" json:"sender"`
	SenderID  string    `db:"sender_id" json:"-"`
	Recipient *string   `db:"recipient" json:"recipient"`
	Content   string    `db:"content" json:"content"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	IsAdmin   bool      `db:"is_admin" json:"is_admin"`
	ReplyTo   *string   `db:"reply_to" json:"reply_to"`
}

// IsBroadcast reports whether the message was addressed to all admins.
func (m ChatMessage) IsBroadcast() bool {
	return m.Recipient == nil
}

// ActiveUser is one roster entry shown to admins.
type ActiveUser struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}
