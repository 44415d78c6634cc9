package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminators.
const (
	EventIdentification     = "identification"
	EventMessage            = "message"
	EventRequestActiveUsers = "request_active_users"
	EventActiveUsers        = "active_users"
	EventError              = "error"
)

var ErrMalformedEvent = errors.New("malformed event")

// InboundEvent is a decoded client frame. The set of implementations is closed.
type InboundEvent interface {
	inbound()
}

// Identification declares the role of the connection.
type Identification struct {
	Role  string
	Token string
}

// ChatInput is a chat message sent by a client.
type ChatInput struct {
	Content   string
	Recipient string
	ReplyTo   string
}

// RequestActiveUsers asks for a fresh roster snapshot.
type RequestActiveUsers struct{}

func (Identification) inbound()     {}
func (ChatInput) inbound()          {}
func (RequestActiveUsers) inbound() {}

type inboundFrame struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Token     string `json:"token"`
	Content   string `json:"content"`
	Recipient string `json:"recipient"`
	ReplyTo   string `json:"reply_to"`
}

// DecodeInbound parses a raw text frame into its typed event.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch frame.Type {
	case EventIdentification:
		return Identification{Role: frame.Role, Token: frame.Token}, nil
	case EventMessage:
		return ChatInput{Content: frame.Content, Recipient: frame.Recipient, ReplyTo: frame.ReplyTo}, nil
	case EventRequestActiveUsers:
		return RequestActiveUsers{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, frame.Type)
	}
}

// ActiveUsersEvent pushes the roster to an admin.
type ActiveUsersEvent struct {
	Type  string       `json:"type"`
	Users []ActiveUser `json:"users"`
}

// NewActiveUsersEvent builds a roster push.
func NewActiveUsersEvent(users []ActiveUser) ActiveUsersEvent {
	if users == nil {
		users = []ActiveUser{}
	}
	return ActiveUsersEvent{Type: EventActiveUsers, Users: users}
}

// MessageEvent delivers or echoes a stored chat message.
type MessageEvent struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Sender    string  `json:"sender"`
	Recipient *string `json:"recipient,omitempty"`
	Timestamp string  `json:"timestamp"`
	IsAdmin   bool    `json:"is_admin"`
	IsOwn     bool    `json:"is_own"`
	ReplyTo   *string `json:"reply_to,omitempty"`
}

// NewMessageEvent renders msg for one receiver; isOwn marks the sender's echo.
func NewMessageEvent(msg ChatMessage, isOwn bool) MessageEvent {
	return MessageEvent{
		Type:      EventMessage,
		ID:        msg.ID,
		Content:   msg.Content,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		IsAdmin:   msg.IsAdmin,
		IsOwn:     isOwn,
		ReplyTo:   msg.ReplyTo,
	}
}

// ErrorEvent reports a rejected frame back to its sender.
type ErrorEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(content string) ErrorEvent {
	return ErrorEvent{Type: EventError, Content: content}
}
