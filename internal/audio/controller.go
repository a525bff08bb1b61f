package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Controller owns at most one audio session. Starting a session for a new turn
// tears the previous one down first; Stop leaves the controller idle before it
// returns, while the released stream closes in the background.
type Controller struct {
	media  Media
	config *Config
	logger zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	turnID  string
	phase   Phase
	blocked bool
	lastErr error
	stream  Stream
	cancel  context.CancelFunc

	callbackMu sync.RWMutex
	onReady    func(turnID string)
	onEnded    func(turnID string)
	onError    func(turnID string, err error)
	onPhase    func(s Session)
}

// NewController creates an idle controller.
func NewController(media Media, config *Config, logger zerolog.Logger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Controller{
		media:  media,
		config: config,
		logger: logger.With().Str("component", "audio-session").Logger(),
		phase:  PhaseIdle,
	}
}

// OnReady registers a callback for a session becoming playable.
func (c *Controller) OnReady(callback func(turnID string)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onReady = callback
}

// OnEnded registers a callback for natural end of playback.
func (c *Controller) OnEnded(callback func(turnID string)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onEnded = callback
}

// OnError registers a callback for load, decode and playback failures.
func (c *Controller) OnError(callback func(turnID string, err error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onError = callback
}

// OnPhaseChange registers a callback invoked after every phase transition.
func (c *Controller) OnPhaseChange(callback func(s Session)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onPhase = callback
}

// Start releases any current session and begins loading locator for turnID.
func (c *Controller) Start(turnID, locator string) error {
	if turnID == "" {
		return ErrEmptyTurnID
	}
	if locator == "" {
		return ErrEmptyLocator
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	old, oldCancel := c.detachLocked()
	c.gen++
	gen := c.gen
	c.turnID = turnID
	c.phase = PhaseLoading
	c.cancel = cancel
	snap := c.snapshotLocked()
	c.mu.Unlock()

	release(old, oldCancel)
	c.logger.Debug().Str("turn", turnID).Str("locator", locator).Msg("Audio session loading")
	c.emitPhase(snap)

	go c.load(ctx, gen, locator)
	return nil
}

func (c *Controller) load(ctx context.Context, gen uint64, locator string) {
	stream, err := c.media.Open(ctx, locator)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, err)
		}
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	stream.Buffer(ctx, MediaEvents{
		OnReady: func() { c.ready(gen) },
		OnEnded: func() { c.ended(gen) },
		OnError: func(err error) { c.fail(gen, err) },
	})
}

func (c *Controller) ready(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseLoading {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReady
	turnID := c.turnID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug().Str("turn", turnID).Msg("Audio session ready")
	c.emitPhase(snap)

	c.callbackMu.RLock()
	onReady := c.onReady
	c.callbackMu.RUnlock()
	if onReady != nil {
		onReady(turnID)
	}

	if c.config.RequireGesture {
		c.block(gen)
		return
	}
	c.play(gen)
}

// play starts the ready stream unless a newer session replaced it.
func (c *Controller) play(gen uint64) error {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseReady || c.stream == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	err := c.stream.Play()
	switch {
	case err == nil:
		c.phase = PhasePlaying
		c.blocked = false
	case errors.Is(err, ErrPlaybackBlocked):
		c.blocked = true
	}
	turnID := c.turnID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	switch {
	case err == nil:
		c.logger.Debug().Str("turn", turnID).Msg("Audio playing")
		c.emitPhase(snap)
		return nil
	case errors.Is(err, ErrPlaybackBlocked):
		c.logger.Info().Str("turn", turnID).Msg("Audio playback blocked, waiting for user gesture")
		c.emitPhase(snap)
		return err
	default:
		c.fail(gen, err)
		return err
	}
}

func (c *Controller) block(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhaseReady {
		c.mu.Unlock()
		return
	}
	c.blocked = true
	turnID := c.turnID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info().Str("turn", turnID).Msg("Audio playback blocked, waiting for user gesture")
	c.emitPhase(snap)
}

// Retry starts playback of a ready session that autoplay left waiting.
func (c *Controller) Retry() error {
	c.mu.Lock()
	gen := c.gen
	ok := c.phase == PhaseReady
	c.mu.Unlock()
	if !ok {
		return ErrNotReady
	}
	return c.play(gen)
}

func (c *Controller) ended(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhasePlaying {
		c.mu.Unlock()
		return
	}
	turnID := c.turnID
	stream, cancel := c.detachLocked()
	c.phase = PhaseEnded
	c.turnID = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	release(stream, cancel)
	c.logger.Debug().Str("turn", turnID).Msg("Audio session ended")
	c.emitPhase(snap)

	c.callbackMu.RLock()
	onEnded := c.onEnded
	c.callbackMu.RUnlock()
	if onEnded != nil {
		onEnded(turnID)
	}
}

func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || !c.phase.Active() {
		c.mu.Unlock()
		return
	}
	turnID := c.turnID
	stream, cancel := c.detachLocked()
	c.phase = PhaseError
	c.lastErr = err
	snap := c.snapshotLocked()
	c.mu.Unlock()

	release(stream, cancel)
	c.logger.Warn().Err(err).Str("turn", turnID).Msg("Audio session failed, continuing text-only")
	c.emitPhase(snap)

	c.callbackMu.RLock()
	onError := c.onError
	c.callbackMu.RUnlock()
	if onError != nil {
		onError(turnID, err)
	}
}

// Stop cancels the current session. It is safe from any phase and the
// controller reads as idle once it returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	stream, cancel := c.detachLocked()
	c.gen++
	turnID := c.turnID
	c.turnID = ""
	c.phase = PhaseIdle
	snap := c.snapshotLocked()
	c.mu.Unlock()

	release(stream, cancel)
	c.logger.Debug().Str("turn", turnID).Msg("Audio session stopped")
	c.emitPhase(snap)
}

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// BoundTurnID returns the turn the active session belongs to, or "".
func (c *Controller) BoundTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// detachLocked takes ownership of the current stream away from the controller
// (caller must hold lock). Playback is paused before the lock is released.
func (c *Controller) detachLocked() (Stream, context.CancelFunc) {
	stream, cancel := c.stream, c.cancel
	if stream != nil {
		stream.Pause()
	}
	c.stream = nil
	c.cancel = nil
	c.blocked = false
	c.lastErr = nil
	return stream, cancel
}

func (c *Controller) snapshotLocked() Session {
	return Session{
		TurnID:  c.turnID,
		Phase:   c.phase,
		Blocked: c.blocked,
		Err:     c.lastErr,
	}
}

func (c *Controller) emitPhase(s Session) {
	c.callbackMu.RLock()
	onPhase := c.onPhase
	c.callbackMu.RUnlock()
	if onPhase != nil {
		onPhase(s)
	}
}

// release cancels loading and closes the stream off the caller's goroutine.
func release(stream Stream, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		go stream.Close()
	}
}
