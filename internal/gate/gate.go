// Package gate withholds streamed reply text until the matching audio is ready to play.
//
// Fragments pushed while the gate is closed are queued in arrival order. Opening
// the gate flushes the queue as one append to the owning turn; later fragments
// pass straight through. The gate opens when audio becomes ready or when the
// disclosure timeout fires, whichever comes first, so text always reaches the
// user even when speech never arrives.
package gate

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives disclosed text. turn.Machine implements it.
type Sink interface {
	AppendContent(turnID, text string) bool
	CompleteTurn(turnID string) error
}

// OpenReason records why the gate opened.
type OpenReason string

const (
	ReasonAudioReady OpenReason = "audio_ready"
	ReasonTimeout    OpenReason = "timeout"
	ReasonForced     OpenReason = "forced"
)

// Opened describes a gate opening.
type Opened struct {
	TurnID    string
	Reason    OpenReason
	Fragments int
	Waited    time.Duration
}

// Config holds gate configuration
type Config struct {
	DisclosureTimeout time.Duration // Open without audio after this long (default: 3s)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DisclosureTimeout: 3 * time.Second,
	}
}

// Gate is the chunk buffer bound to one assistant turn at a time.
type Gate struct {
	sink   Sink
	logger zerolog.Logger

	mu        sync.Mutex
	timeout   time.Duration
	owner     string
	open      bool
	inert     bool
	pending   bool
	completed bool
	queue     []string
	gen       uint64
	timer     *time.Timer
	armedAt   time.Time

	onOpen func(Opened)
}

// New creates a closed gate with no owner.
func New(sink Sink, config *Config, logger zerolog.Logger) *Gate {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DisclosureTimeout <= 0 {
		config.DisclosureTimeout = DefaultConfig().DisclosureTimeout
	}
	return &Gate{
		sink:    sink,
		logger:  logger.With().Str("component", "chunk-gate").Logger(),
		timeout: config.DisclosureTimeout,
		inert:   true,
	}
}

// SetOpenHandler registers a callback invoked after each opening.
func (g *Gate) SetOpenHandler(fn func(Opened)) {
	g.mu.Lock()
	g.onOpen = fn
	g.mu.Unlock()
}

// SetTimeout changes the disclosure timeout for turns armed after this call.
func (g *Gate) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.timeout = d
	g.mu.Unlock()
}

// Timeout returns the current disclosure timeout.
func (g *Gate) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

// Reset clears the queue, closes the gate and binds it to a new owner.
// It is called once per new assistant turn.
func (g *Gate) Reset(owner string) {
	g.reset(owner, false)
}

// ResetPending is Reset for a turn the server has not named yet. Tagged
// fragments are accepted whatever their id until Rebind names the turn.
func (g *Gate) ResetPending(owner string) {
	g.reset(owner, true)
}

func (g *Gate) reset(owner string, pending bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen++
	g.stopTimerLocked()
	g.owner = owner
	g.open = false
	g.inert = false
	g.pending = pending
	g.completed = false
	g.queue = nil

	g.logger.Debug().Str("owner", owner).Bool("pending", pending).Msg("Gate reset")
}

// Rebind moves the gate to the canonical id of its turn, keeping queued fragments.
func (g *Gate) Rebind(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inert {
		return
	}
	g.logger.Debug().Str("from", g.owner).Str("to", owner).Msg("Gate rebound")
	g.owner = owner
	g.pending = false
}

// Arm starts the disclosure timeout. Arming an open or already armed gate is a no-op.
func (g *Gate) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open || g.inert || g.timer != nil {
		return
	}
	gen := g.gen
	g.armedAt = time.Now()
	g.timer = time.AfterFunc(g.timeout, func() {
		g.openGen(gen, "", ReasonTimeout)
	})
}

// OnFragment queues text while closed and forwards it to the owner once open.
func (g *Gate) OnFragment(text string) {
	g.OnTaggedFragment("", text)
}

// OnTaggedFragment behaves like OnFragment but drops the fragment when turnID is
// set and does not name the gate's owner. It reports whether the fragment was kept.
func (g *Gate) OnTaggedFragment(turnID, text string) bool {
	if text == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inert || !g.ownsLocked(turnID) {
		g.logger.Debug().Str("tag", turnID).Str("owner", g.owner).Msg("Dropped fragment for another turn")
		return false
	}
	if !g.open {
		g.queue = append(g.queue, text)
		return true
	}
	return g.sink.AppendContent(g.owner, text)
}

// Open discloses queued text. It is idempotent.
func (g *Gate) Open(reason OpenReason) bool {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()
	return g.openGen(gen, "", reason)
}

// OpenFor opens the gate only if it is bound to turnID. A provisional owner
// never matches, so a late signal for the previous turn cannot open it.
func (g *Gate) OpenFor(turnID string, reason OpenReason) bool {
	g.mu.Lock()
	gen := g.gen
	g.mu.Unlock()
	return g.openGen(gen, turnID, reason)
}

func (g *Gate) openGen(gen uint64, turnID string, reason OpenReason) bool {
	g.mu.Lock()
	if gen != g.gen || g.open || g.inert || (turnID != "" && turnID != g.owner) {
		g.mu.Unlock()
		return false
	}

	g.stopTimerLocked()
	owner := g.owner
	flushed := len(g.queue)
	if flushed > 0 {
		g.sink.AppendContent(owner, strings.Join(g.queue, ""))
	}
	g.queue = nil
	g.open = true

	if g.completed {
		if err := g.sink.CompleteTurn(owner); err != nil {
			g.logger.Debug().Err(err).Str("turn", owner).Msg("Deferred completion not applied")
		}
	}

	opened := Opened{TurnID: owner, Reason: reason, Fragments: flushed}
	if !g.armedAt.IsZero() {
		opened.Waited = time.Since(g.armedAt)
	}
	fn := g.onOpen
	g.mu.Unlock()

	g.logger.Debug().
		Str("turn", owner).
		Str("reason", string(reason)).
		Int("fragments", flushed).
		Msg("Gate opened")

	if fn != nil {
		fn(opened)
	}
	return true
}

// Complete marks the owner's text as finished. While the gate is closed the
// completion waits behind the queued fragments.
func (g *Gate) Complete() {
	g.CompleteFor("")
}

// CompleteFor completes only when turnID is empty or names the owner.
func (g *Gate) CompleteFor(turnID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inert || g.completed || !g.ownsLocked(turnID) {
		return false
	}
	g.completed = true
	if !g.open {
		return true
	}
	if err := g.sink.CompleteTurn(g.owner); err != nil {
		g.logger.Debug().Err(err).Str("turn", g.owner).Msg("Completion not applied")
	}
	return true
}

// Discard drops queued text and makes the gate inert until the next Reset.
func (g *Gate) Discard() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen++
	g.stopTimerLocked()
	if len(g.queue) > 0 {
		g.logger.Debug().Str("owner", g.owner).Int("fragments", len(g.queue)).Msg("Discarded buffered fragments")
	}
	g.queue = nil
	g.owner = ""
	g.open = false
	g.inert = true
	g.pending = false
	g.completed = false
}

// Owner returns the turn the gate is bound to.
func (g *Gate) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

// IsOpen reports whether fragments currently pass straight through.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Pending returns the number of queued fragments.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// ownsLocked reports whether a message tag may belong to the current turn
// (caller must hold lock). Any tag is accepted until the owner is rebound.
func (g *Gate) ownsLocked(turnID string) bool {
	return turnID == "" || g.pending || turnID == g.owner
}

// stopTimerLocked stops the disclosure timer (caller must hold lock).
func (g *Gate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.armedAt = time.Time{}
}
