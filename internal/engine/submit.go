package engine

import (
	"context"
	"fmt"

	"github.com/normanking/mockinterview/internal/api"
	"github.com/normanking/mockinterview/internal/bus"
	"github.com/normanking/mockinterview/internal/gate"
	"github.com/normanking/mockinterview/internal/metrics"
	"github.com/normanking/mockinterview/internal/turn"
)

// SubmitUtterance shows the user's utterance, sends it with the editor
// contents, and binds a new assistant turn to the reply. It returns the
// assistant turn id. A failed send leaves the user turn marked failed and
// returns a *SendError.
func (e *Engine) SubmitUtterance(ctx context.Context, text, editorContents string) (string, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if !e.Started() {
		return "", ErrNotStarted
	}

	user, err := e.machine.CreateUserTurn(text)
	if err != nil {
		return "", err
	}
	e.supersede()

	e.mu.Lock()
	e.editors[user.ID] = editorContents
	e.mu.Unlock()

	return e.send(ctx, user, editorContents)
}

// Retry resends a user turn whose send failed.
func (e *Engine) Retry(ctx context.Context, userTurnID string) (string, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if !e.Started() {
		return "", ErrNotStarted
	}

	t, ok := e.machine.Turn(userTurnID)
	if !ok || t.Role != turn.RoleUser || t.Delivery != turn.DeliveryFailed {
		return "", fmt.Errorf("%w: %s", ErrNotRetryable, userTurnID)
	}
	e.supersede()

	t, err := e.machine.MarkRetrying(userTurnID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	editorContents := e.editors[userTurnID]
	e.mu.Unlock()

	e.logger.Info().Str("turn", userTurnID).Msg("Retrying failed send")
	return e.send(ctx, t, editorContents)
}

// LastFailedSend returns the most recent user turn whose send failed.
func (e *Engine) LastFailedSend() (turn.Turn, bool) {
	turns := e.machine.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == turn.RoleUser && turns[i].Delivery == turn.DeliveryFailed {
			return turns[i], true
		}
	}
	return turn.Turn{}, false
}

// send issues the create-reply call for a user turn that is already visible
// (caller must hold submitMu).
func (e *Engine) send(ctx context.Context, user turn.Turn, editorContents string) (string, error) {
	conversationID := e.machine.ConversationID()

	e.mu.Lock()
	language := e.problem.Language
	drops := e.drops
	e.mu.Unlock()
	e.setSending(true)

	// Fragments can arrive before the reply names the turn; hold them.
	e.gate.ResetPending(e.machine.NewProvisionalID())

	reply, err := e.backend.CreateReply(ctx, api.ReplyRequest{
		ConversationID: conversationID,
		Text:           user.Content,
		EditorContents: editorContents,
		Language:       language,
		ChannelID:      e.listener.ChannelID(),
	})

	// Text pushed while the channel was down is gone, so the reply cannot be shown.
	if err == nil && e.channelDroppedSince(drops) {
		err = ErrChannelLost
	}
	if err != nil {
		return "", e.failSend(user.ID, err)
	}

	userID := user.ID
	if delivered, err := e.machine.MarkDelivered(user.ID, reply.UserTurnID); err != nil {
		e.logger.Warn().Err(err).Str("turn", user.ID).Msg("Could not record delivery")
	} else if delivered.ID != user.ID {
		userID = delivered.ID
		e.mu.Lock()
		if editor, ok := e.editors[user.ID]; ok {
			delete(e.editors, user.ID)
			e.editors[userID] = editor
		}
		e.mu.Unlock()
	}

	assistantID := reply.AssistantTurnID
	_, err = e.machine.BeginAssistantTurn(assistantID)
	// Cleared only once the assistant turn exists so the indicator does not flicker.
	e.setSending(false)
	if err != nil {
		e.gate.Discard()
		return "", fmt.Errorf("failed to begin assistant turn: %w", err)
	}

	e.gate.Rebind(assistantID)
	e.gate.Arm()

	// The channel may have dropped after the check above but before the turn
	// existed for OnDisconnected to fail.
	if e.channelDroppedSince(drops) {
		e.failStreaming(assistantID, reasonChannelLost)
		return assistantID, nil
	}

	locator := e.backend.TTSLocator(conversationID, assistantID)
	if err := e.audio.Start(assistantID, locator); err != nil {
		e.logger.Warn().Err(err).Str("turn", assistantID).Msg("Audio not started, continuing text-only")
	}

	e.logger.Debug().
		Str("user_turn", userID).
		Str("assistant_turn", assistantID).
		Msg("Assistant turn streaming")
	return assistantID, nil
}

// failSend records a send that produced no assistant turn and returns the
// error reported to the caller.
func (e *Engine) failSend(userTurnID string, err error) error {
	e.setSending(false)
	e.gate.Discard()
	if markErr := e.machine.MarkDeliveryFailed(userTurnID, err.Error()); markErr != nil {
		e.logger.Debug().Err(markErr).Str("turn", userTurnID).Msg("Could not mark failed send")
	}

	sendErr := &SendError{UserTurnID: userTurnID, Err: err}
	metrics.SendFailures.Inc()
	e.logger.Warn().Err(err).Str("turn", userTurnID).Bool("retryable", sendErr.Retryable()).Msg("Send failed")
	e.publish(bus.EventTypeSendFailed, map[string]any{
		"turn_id":   userTurnID,
		"error":     err.Error(),
		"retryable": sendErr.Retryable(),
	})
	return sendErr
}

func (e *Engine) channelDroppedSince(drops uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drops != drops
}

// supersede stops the current reply audio and closes out a streaming turn so
// a new one can begin (caller must hold submitMu).
func (e *Engine) supersede() {
	e.audio.Stop()

	id := e.machine.StreamingID()
	if id == "" {
		return
	}
	e.gate.OpenFor(id, gate.ReasonForced)
	if err := e.machine.InterruptTurn(id); err != nil {
		e.logger.Debug().Err(err).Str("turn", id).Msg("Superseded turn already finished")
		return
	}
	e.logger.Info().Str("turn", id).Msg("Streaming turn superseded")
}

func (e *Engine) setSending(sending bool) {
	e.mu.Lock()
	e.sending = sending
	e.mu.Unlock()
	e.refreshTyping()
}
