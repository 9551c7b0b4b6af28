package model

import "time"

type MessageStatus string

const (
	// MessagePending is a locally composed message awaiting its server echo.
	MessagePending MessageStatus = "pending"
	// MessageConfirmed is a message acknowledged (or originated) by the server.
	MessageConfirmed MessageStatus = "confirmed"
	// MessageFailed is a pending message that never reconciled within the
	// failure window.
	MessageFailed MessageStatus = "failed"
)

// ChatMessage is one entry of the rendered group-chat log.
// At most one entry exists per CorrelationID and per ServerID at any time.
type ChatMessage struct {
	// CorrelationID is the client-generated token used to match the server
	// echo of an own message. Present only on client-originated entries and
	// never displayed.
	CorrelationID string `json:"-"`
	// ServerID is zero until the message is confirmed.
	ServerID     int64          `json:"id,omitempty"`
	SenderID     int64          `json:"sender_id,omitempty"`
	SenderName   string         `json:"sender_name"`
	SenderAvatar string         `json:"sender_profile_picture,omitempty"`
	Body         string         `json:"body"`
	CreatedAt    time.Time      `json:"created_at"`
	Status       MessageStatus  `json:"status"`
	ReplyTo      *ReplySnapshot `json:"reply_to,omitempty"`
}

// ReplySnapshot is an immutable capture of the message being replied to,
// taken at compose time. Once attached to a ChatMessage it is never
// overwritten by reconciliation.
type ReplySnapshot struct {
	ServerID     int64     `json:"id"`
	SenderName   string    `json:"sender_name"`
	SenderAvatar string    `json:"sender_profile_picture,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}
