// Package realtime holds the JSON frames exchanged over the chat websocket.
package realtime

import (
	"encoding/json"
	"time"
)

const (
	// client -> server
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// both directions
	TypeMessage = "message"

	// server -> client
	TypeReady         = "ready"
	TypeTyping        = "typing"
	TypeTypingStopped = "typing_stopped"
	TypeStatusChanged = "status_changed"
	TypeError         = "error"
)

// Frame is one websocket text message.
//
// Client frames carry ChannelID and, for "message", Content. Server frames carry their body
// in Data (one of the *Data types below).
type Frame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ReadyData struct {
	ActorID string `json:"actor_id"`
}

type MessageData struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type TypingData struct {
	ChannelID string `json:"channel_id"`
	ActorID   string `json:"actor_id"`
}

type StatusChangedData struct {
	ChannelID string `json:"channel_id"`
	NewStatus string `json:"new_status"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFrame builds a server frame; data must be JSON-encodable.
func NewFrame(typ, channelID string, data any) (Frame, error) {
	f := Frame{Type: typ, ChannelID: channelID}
	if data == nil {
		return f, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = b
	return f, nil
}

// Decode unmarshals Data into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}
