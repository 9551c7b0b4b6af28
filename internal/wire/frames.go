// Package wire defines the JSON frames exchanged over the group-chat socket.
// Chat frames carry no "type" field; a frame is a control frame only when its
// type is one of the known control types, anything else is treated as chat.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/campuschat/internal/model"
)

type FrameType string

const (
	FrameTyping   FrameType = "typing"
	FramePresence FrameType = "presence"
	FrameSnapshot FrameType = "snapshot"
)

// Presence actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Reply is the reply-to payload carried inside chat frames, both directions.
type Reply struct {
	ID           int64     `json:"id"`
	SenderName   string    `json:"sender_name"`
	SenderAvatar string    `json:"sender_profile_picture,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatSend is the outbound chat frame.
type ChatSend struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
	ReplyTo  *Reply `json:"reply_to,omitempty"`
}

// TypingSend is the outbound typing signal.
type TypingSend struct {
	Type     FrameType `json:"type"`
	IsTyping bool      `json:"is_typing"`
}

// NewTypingSend builds an outbound typing frame.
func NewTypingSend(isTyping bool) TypingSend {
	return TypingSend{Type: FrameTyping, IsTyping: isTyping}
}

// ChatFrame is an inbound chat echo. ClientID is present only on the copy
// echoed back to the sender's own connection.
type ChatFrame struct {
	ID           int64     `json:"id"`
	SenderName   string    `json:"sender_name"`
	SenderAvatar string    `json:"sender_profile_picture,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
	ClientID     string    `json:"client_id,omitempty"`
	ReplyTo      *Reply    `json:"reply_to,omitempty"`
}

// PresenceFrame is an inbound join/leave delta.
type PresenceFrame struct {
	Type   FrameType  `json:"type"`
	Action string     `json:"action"`
	User   model.User `json:"user"`
}

// SnapshotFrame is the authoritative full replacement of the online set.
type SnapshotFrame struct {
	Type  FrameType    `json:"type"`
	Users []model.User `json:"users"`
}

// TypingFrame is an inbound typing signal from another member.
type TypingFrame struct {
	Type     FrameType  `json:"type"`
	User     model.User `json:"user"`
	IsTyping bool       `json:"is_typing"`
}

// Inbound is a decoded inbound frame; exactly one field is non-nil.
type Inbound struct {
	Chat     *ChatFrame
	Presence *PresenceFrame
	Snapshot *SnapshotFrame
	Typing   *TypingFrame
}

// Decode classifies and unmarshals a raw inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Inbound{}, fmt.Errorf("wire: decode head: %w", err)
	}

	var in Inbound
	var err error
	switch head.Type {
	case FramePresence:
		f := &PresenceFrame{}
		err = json.Unmarshal(raw, f)
		in.Presence = f
	case FrameSnapshot:
		f := &SnapshotFrame{}
		err = json.Unmarshal(raw, f)
		in.Snapshot = f
	case FrameTyping:
		f := &TypingFrame{}
		err = json.Unmarshal(raw, f)
		in.Typing = f
	default:
		// No recognized control type: chat frame.
		f := &ChatFrame{}
		err = json.Unmarshal(raw, f)
		in.Chat = f
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("wire: decode %q frame: %w", head.Type, err)
	}
	return in, nil
}
