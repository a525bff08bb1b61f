// Package turn holds the conversation transcript and the lifecycle of each turn.
package turn

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrEmptyUtterance  = errors.New("utterance is empty")
	ErrEmptyTurnID     = errors.New("turn id is empty")
	ErrTurnStreaming   = errors.New("another assistant turn is streaming")
	ErrTurnNotFound    = errors.New("turn not found")
	ErrTurnImmutable   = errors.New("turn is already complete or failed")
	ErrDuplicateTurnID = errors.New("turn id already in conversation")
	ErrWrongRole       = errors.New("operation not valid for this role")
)

// Role identifies who authored a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the text lifecycle of a turn
type Status string

const (
	StatusPendingSend Status = "pending-send"
	StatusStreaming   Status = "streaming"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Delivery tracks whether the server accepted a user turn.
// User turns are shown as complete immediately, so delivery is tracked separately.
type Delivery string

const (
	DeliveryPending   Delivery = "pending"
	DeliveryDelivered Delivery = "delivered"
	DeliveryFailed    Delivery = "failed"
)

// Turn is one message in the conversation.
type Turn struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Status        Status    `json:"status"`
	Delivery      Delivery  `json:"delivery,omitempty"`
	AudioComplete bool      `json:"audioComplete,omitempty"`
	Interrupted   bool      `json:"interrupted,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Terminal reports whether the turn text can no longer change.
func (t Turn) Terminal() bool {
	return t.Status == StatusComplete || t.Status == StatusFailed
}

// Conversation is the ordered, append-only local view of the session.
type Conversation struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// Rendered is the upward view of a turn.
type Rendered struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Streaming bool     `json:"streaming"`
	Failed    bool     `json:"failed,omitempty"`
	Delivery  Delivery `json:"delivery,omitempty"`
}

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

const (
	ChangeUserTurn      ChangeKind = "user_turn"
	ChangeAssistantTurn ChangeKind = "assistant_turn"
	ChangeContent       ChangeKind = "content"
	ChangeStatus        ChangeKind = "status"
	ChangeDelivery      ChangeKind = "delivery"
	ChangeAudio         ChangeKind = "audio"
	ChangeReset         ChangeKind = "reset"
)

// Change is emitted after every mutation so the transcript can be re-rendered.
type Change struct {
	Kind   ChangeKind
	TurnID string
}
