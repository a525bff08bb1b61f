package turn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Machine is the single mutation point for conversation history.
// At most one assistant turn is streaming at any time; content is only ever
// appended to that turn.
type Machine struct {
	mu          sync.RWMutex
	conv        Conversation
	index       map[string]int
	streamingID string

	logger   zerolog.Logger
	newID    func() string
	now      func() time.Time
	onChange func(Change)
}

// NewMachine creates a Machine for the given conversation.
func NewMachine(conversationID string, logger zerolog.Logger) *Machine {
	return &Machine{
		conv:   Conversation{ID: conversationID, Turns: make([]Turn, 0, 16)},
		index:  make(map[string]int),
		logger: logger.With().Str("component", "turn-machine").Logger(),
		newID:  func() string { return "local-" + uuid.NewString() },
		now:    time.Now,
	}
}

// SetChangeHandler registers the re-render callback. It is invoked outside the lock.
func (m *Machine) SetChangeHandler(fn func(Change)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetIDGenerator overrides provisional id generation.
func (m *Machine) SetIDGenerator(fn func() string) {
	m.mu.Lock()
	m.newID = fn
	m.mu.Unlock()
}

// NewProvisionalID returns a client-generated id for a turn the server has not named yet.
func (m *Machine) NewProvisionalID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newID()
}

// CreateUserTurn appends a complete user turn immediately (optimistic local echo).
func (m *Machine) CreateUserTurn(text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyUtterance
	}

	m.mu.Lock()
	t := Turn{
		ID:        m.newID(),
		Role:      RoleUser,
		Content:   text,
		Status:    StatusComplete,
		Delivery:  DeliveryPending,
		CreatedAt: m.now(),
	}
	m.appendLocked(t)
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeUserTurn, TurnID: t.ID})
	return t, nil
}

// BeginAssistantTurn creates the streaming assistant turn for a server-assigned id.
func (m *Machine) BeginAssistantTurn(serverID string) (Turn, error) {
	if serverID == "" {
		return Turn{}, ErrEmptyTurnID
	}

	m.mu.Lock()
	if m.streamingID != "" {
		current := m.streamingID
		m.mu.Unlock()
		return Turn{}, fmt.Errorf("%w: %s", ErrTurnStreaming, current)
	}
	if _, exists := m.index[serverID]; exists {
		m.mu.Unlock()
		return Turn{}, fmt.Errorf("%w: %s", ErrDuplicateTurnID, serverID)
	}
	t := Turn{
		ID:        serverID,
		Role:      RoleAssistant,
		Status:    StatusStreaming,
		CreatedAt: m.now(),
	}
	m.appendLocked(t)
	m.streamingID = serverID
	m.mu.Unlock()

	m.logger.Debug().Str("turn", serverID).Msg("Assistant turn streaming")
	m.notify(Change{Kind: ChangeAssistantTurn, TurnID: serverID})
	return t, nil
}

// AppendContent appends text to the streaming turn. It returns false, without
// error, when turnID is not the current streaming turn.
func (m *Machine) AppendContent(turnID, text string) bool {
	if text == "" {
		return false
	}

	m.mu.Lock()
	if turnID == "" || turnID != m.streamingID {
		m.mu.Unlock()
		m.logger.Debug().Str("turn", turnID).Int("len", len(text)).Msg("Dropped stale fragment")
		return false
	}
	i := m.index[turnID]
	m.conv.Turns[i].Content += text
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeContent, TurnID: turnID})
	return true
}

// CompleteTurn marks the streaming turn complete. Audio is unaffected.
func (m *Machine) CompleteTurn(turnID string) error {
	return m.finish(turnID, StatusComplete, false, "")
}

// InterruptTurn completes the streaming turn early because a newer turn superseded it.
func (m *Machine) InterruptTurn(turnID string) error {
	return m.finish(turnID, StatusComplete, true, "")
}

// FailTurn marks the streaming turn failed; its content is kept as disclosed so far.
func (m *Machine) FailTurn(turnID, reason string) error {
	return m.finish(turnID, StatusFailed, false, reason)
}

func (m *Machine) finish(turnID string, status Status, interrupted bool, reason string) error {
	m.mu.Lock()
	i, ok := m.index[turnID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	t := &m.conv.Turns[i]
	if t.Role != RoleAssistant {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWrongRole, t.Role)
	}
	if t.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnImmutable, turnID)
	}
	t.Status = status
	t.Interrupted = interrupted
	t.FailureReason = reason
	if m.streamingID == turnID {
		m.streamingID = ""
	}
	m.mu.Unlock()

	m.logger.Debug().Str("turn", turnID).Str("status", string(status)).Bool("interrupted", interrupted).Msg("Turn finished")
	m.notify(Change{Kind: ChangeStatus, TurnID: turnID})
	return nil
}

// MarkAudioComplete records that the spoken rendition of turnID finished playing.
func (m *Machine) MarkAudioComplete(turnID string) bool {
	m.mu.Lock()
	i, ok := m.index[turnID]
	if !ok || m.conv.Turns[i].AudioComplete {
		m.mu.Unlock()
		return false
	}
	m.conv.Turns[i].AudioComplete = true
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeAudio, TurnID: turnID})
	return true
}

// MarkDelivered records server acceptance of a user turn and rebinds its
// provisional id to canonicalID when one is given.
func (m *Machine) MarkDelivered(turnID, canonicalID string) (Turn, error) {
	m.mu.Lock()
	t, err := m.userTurnLocked(turnID)
	if err != nil {
		m.mu.Unlock()
		return Turn{}, err
	}
	if canonicalID != "" && canonicalID != turnID {
		if _, exists := m.index[canonicalID]; exists {
			m.mu.Unlock()
			return Turn{}, fmt.Errorf("%w: %s", ErrDuplicateTurnID, canonicalID)
		}
		i := m.index[turnID]
		delete(m.index, turnID)
		m.index[canonicalID] = i
		t.ID = canonicalID
	}
	t.Delivery = DeliveryDelivered
	t.FailureReason = ""
	out := *t
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeDelivery, TurnID: out.ID})
	return out, nil
}

// MarkDeliveryFailed flags a user turn whose send failed so it is visibly retryable.
func (m *Machine) MarkDeliveryFailed(turnID, reason string) error {
	m.mu.Lock()
	t, err := m.userTurnLocked(turnID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.Delivery = DeliveryFailed
	t.FailureReason = reason
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeDelivery, TurnID: turnID})
	return nil
}

// MarkRetrying puts a failed user turn back into the pending state.
func (m *Machine) MarkRetrying(turnID string) (Turn, error) {
	m.mu.Lock()
	t, err := m.userTurnLocked(turnID)
	if err != nil {
		m.mu.Unlock()
		return Turn{}, err
	}
	t.Delivery = DeliveryPending
	t.FailureReason = ""
	out := *t
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeDelivery, TurnID: turnID})
	return out, nil
}

func (m *Machine) userTurnLocked(turnID string) (*Turn, error) {
	i, ok := m.index[turnID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	t := &m.conv.Turns[i]
	if t.Role != RoleUser {
		return nil, fmt.Errorf("%w: %s", ErrWrongRole, t.Role)
	}
	return t, nil
}

// Streaming returns the current streaming assistant turn, if any.
func (m *Machine) Streaming() (Turn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.streamingID == "" {
		return Turn{}, false
	}
	return m.conv.Turns[m.index[m.streamingID]], true
}

// StreamingID returns the id of the streaming turn or "".
func (m *Machine) StreamingID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamingID
}

// Turn returns a copy of the turn with the given id.
func (m *Machine) Turn(id string) (Turn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return Turn{}, false
	}
	return m.conv.Turns[i], true
}

// Turns returns a copy of all turns in arrival order.
func (m *Machine) Turns() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, len(m.conv.Turns))
	copy(out, m.conv.Turns)
	return out
}

// Conversation returns a copy of the conversation.
func (m *Machine) Conversation() Conversation {
	return Conversation{ID: m.ConversationID(), Turns: m.Turns()}
}

// ConversationID returns the id of the active conversation.
func (m *Machine) ConversationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conv.ID
}

// Rendered returns the visible transcript. A streaming turn with no content yet
// is left out so the typing indicator is not preceded by an empty bubble.
func (m *Machine) Rendered() []Rendered {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Rendered, 0, len(m.conv.Turns))
	for _, t := range m.conv.Turns {
		if t.Status == StatusStreaming && t.Content == "" {
			continue
		}
		out = append(out, Rendered{
			ID:        t.ID,
			Role:      t.Role,
			Content:   t.Content,
			Streaming: t.Status == StatusStreaming,
			Failed:    t.Status == StatusFailed,
			Delivery:  t.Delivery,
		})
	}
	return out
}

// AwaitingText reports whether a streaming turn exists with nothing disclosed yet.
func (m *Machine) AwaitingText() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.streamingID == "" {
		return false
	}
	return m.conv.Turns[m.index[m.streamingID]].Content == ""
}

// Reset discards all turns and starts a new conversation.
func (m *Machine) Reset(conversationID string) {
	m.mu.Lock()
	m.conv = Conversation{ID: conversationID, Turns: make([]Turn, 0, 16)}
	m.index = make(map[string]int)
	m.streamingID = ""
	m.mu.Unlock()

	m.notify(Change{Kind: ChangeReset})
}

// appendLocked appends a turn (caller must hold lock).
func (m *Machine) appendLocked(t Turn) {
	m.index[t.ID] = len(m.conv.Turns)
	m.conv.Turns = append(m.conv.Turns, t)
}

func (m *Machine) notify(c Change) {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}
