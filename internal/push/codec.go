// Package push listens on the server's push channel for reply text.
package push

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Common errors
var (
	ErrMissingType = errors.New("push message missing type field")
	ErrNoURL       = errors.New("push url not configured")
)

// MessageType identifies a push message
type MessageType string

const (
	TypeHello    MessageType = "hello"
	TypeFragment MessageType = "fragment"
	TypeDone     MessageType = "done"
	TypeError    MessageType = "error"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
)

// Envelope is the single JSON frame exchanged on the push channel.
// MessageID is optional; the server may tag fragments with the turn they belong to.
type Envelope struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	data, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("push: marshal %q: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses one frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("push: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}
