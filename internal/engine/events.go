package engine

import (
	"github.com/normanking/mockinterview/internal/audio"
	"github.com/normanking/mockinterview/internal/bus"
	"github.com/normanking/mockinterview/internal/gate"
	"github.com/normanking/mockinterview/internal/metrics"
	"github.com/normanking/mockinterview/internal/turn"
)

// OnFragment routes a pushed text fragment to the gate of the current turn.
func (e *Engine) OnFragment(messageID, text string) {
	if e.stale(messageID) {
		metrics.StaleFragments.Inc()
		return
	}
	if !e.gate.OnTaggedFragment(messageID, text) {
		metrics.StaleFragments.Inc()
	}
}

// OnTurnDone completes the current turn once its withheld text is disclosed.
func (e *Engine) OnTurnDone(messageID string) {
	if e.stale(messageID) {
		return
	}
	e.gate.CompleteFor(messageID)
}

// OnTurnError fails the streaming turn, keeping whatever text it has.
func (e *Engine) OnTurnError(messageID, reason string) {
	if e.stale(messageID) {
		return
	}
	id := e.machine.StreamingID()
	if id == "" || (messageID != "" && messageID != id) {
		e.logger.Debug().Str("tag", messageID).Str("reason", reason).Msg("Generation error for no streaming turn")
		return
	}
	if reason == "" {
		reason = "reply generation failed"
	}
	e.failStreaming(id, reason)
}

// OnConnected records that the push channel is open.
func (e *Engine) OnConnected(channelID string) {
	metrics.PushConnected.Set(1)
	e.publish(bus.EventTypeConnected, map[string]any{"channel_id": channelID})
}

// OnDisconnected fails a streaming turn: fragments missed while the channel
// is down are never replayed. A send in flight sees the loss through drops.
func (e *Engine) OnDisconnected(err error) {
	e.mu.Lock()
	e.drops++
	e.mu.Unlock()

	metrics.PushConnected.Set(0)
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	e.publish(bus.EventTypeDisconnected, data)

	if id := e.machine.StreamingID(); id != "" {
		e.failStreaming(id, reasonChannelLost)
	}
}

const reasonChannelLost = "push channel lost"

func (e *Engine) failStreaming(id, reason string) {
	e.gate.OpenFor(id, gate.ReasonForced)
	if err := e.machine.FailTurn(id, reason); err != nil {
		e.logger.Debug().Err(err).Str("turn", id).Msg("Turn already finished")
		return
	}
	e.logger.Warn().Str("turn", id).Str("reason", reason).Msg("Assistant turn failed")
	e.publish(bus.EventTypeTurnFailed, map[string]any{
		"turn_id":   id,
		"reason":    reason,
		"retryable": true,
	})
}

// stale reports whether a tagged message names a turn that already finished.
func (e *Engine) stale(messageID string) bool {
	if messageID == "" {
		return false
	}
	t, ok := e.machine.Turn(messageID)
	if ok && t.Terminal() {
		e.logger.Debug().Str("turn", messageID).Msg("Dropped message for finished turn")
		return true
	}
	return false
}

func (e *Engine) handleReconnect(attempt int) {
	metrics.PushReconnects.Inc()
}

func (e *Engine) handleTurnChange(c turn.Change) {
	switch c.Kind {
	case turn.ChangeUserTurn, turn.ChangeStatus:
		if t, ok := e.machine.Turn(c.TurnID); ok {
			metrics.TurnsTotal.WithLabelValues(string(t.Role), string(t.Status)).Inc()
		}
	case turn.ChangeDelivery:
		if t, ok := e.machine.Turn(c.TurnID); ok && t.Delivery == turn.DeliveryFailed {
			metrics.TurnsTotal.WithLabelValues(string(t.Role), string(turn.StatusFailed)).Inc()
		}
	}
	e.publish(bus.EventTypeTranscriptChanged, map[string]any{
		"kind":    string(c.Kind),
		"turn_id": c.TurnID,
	})
	e.refreshTyping()
}

// refreshTyping publishes the typing indicator when it changes.
func (e *Engine) refreshTyping() {
	awaiting := e.machine.AwaitingText()

	e.mu.Lock()
	typing := e.sending || awaiting
	changed := typing != e.typing
	e.typing = typing
	e.mu.Unlock()

	if changed {
		e.publish(bus.EventTypeTypingChanged, map[string]any{"typing": typing})
	}
}

func (e *Engine) handleGateOpened(o gate.Opened) {
	metrics.GateOpens.WithLabelValues(string(o.Reason)).Inc()
	if o.Waited > 0 {
		metrics.GateWait.Observe(o.Waited.Seconds())
	}
	e.publish(bus.EventTypeGateOpened, map[string]any{
		"turn_id":   o.TurnID,
		"reason":    string(o.Reason),
		"fragments": o.Fragments,
	})
}

func (e *Engine) handleAudioReady(turnID string) {
	e.gate.OpenFor(turnID, gate.ReasonAudioReady)
}

func (e *Engine) handleAudioEnded(turnID string) {
	metrics.AudioSessions.WithLabelValues(string(audio.PhaseEnded)).Inc()
	e.machine.MarkAudioComplete(turnID)
}

func (e *Engine) handleAudioError(turnID string, err error) {
	metrics.AudioSessions.WithLabelValues(string(audio.PhaseError)).Inc()
}

func (e *Engine) handleAudioPhase(s audio.Session) {
	e.publish(bus.EventTypeAudioPhaseChanged, map[string]any{
		"turn_id": s.TurnID,
		"phase":   string(s.Phase),
		"blocked": s.Blocked,
	})
	if s.Blocked {
		e.publish(bus.EventTypeAudioBlocked, map[string]any{"turn_id": s.TurnID})
	}
}
