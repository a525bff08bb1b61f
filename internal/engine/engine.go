// Package engine coordinates one interview session: it sends user turns,
// binds the reply's text stream and audio stream to the same assistant turn,
// and exposes the transcript to the front end.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/mockinterview/internal/api"
	"github.com/normanking/mockinterview/internal/audio"
	"github.com/normanking/mockinterview/internal/bus"
	"github.com/normanking/mockinterview/internal/gate"
	"github.com/normanking/mockinterview/internal/push"
	"github.com/normanking/mockinterview/internal/turn"
	"github.com/rs/zerolog"
)

// Backend is the request/response side of the interview server.
type Backend interface {
	CreateConversation(ctx context.Context, problem api.Problem) (string, error)
	CreateReply(ctx context.Context, req api.ReplyRequest) (*api.Reply, error)
	TTSLocator(conversationID, messageID string) string
}

// Config holds engine configuration
type Config struct {
	DisclosureTimeout time.Duration
	Audio             *audio.Config
	Push              *push.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DisclosureTimeout: gate.DefaultConfig().DisclosureTimeout,
		Audio:             audio.DefaultConfig(),
		Push:              push.DefaultConfig(),
	}
}

// View is the upward snapshot rendered by the front end.
type View struct {
	ConversationID string          `json:"conversation_id"`
	Turns          []turn.Rendered `json:"turns"`
	Typing         bool            `json:"typing"`
	Audio          audio.Session   `json:"audio"`
	CanPlay        bool            `json:"can_play"`
	CanStop        bool            `json:"can_stop"`
	Connected      bool            `json:"connected"`
}

// Engine is the turn orchestrator. It owns the transcript, the chunk gate and
// the audio session for one conversation at a time.
type Engine struct {
	config   *Config
	backend  Backend
	eventBus *bus.EventBus
	logger   zerolog.Logger

	machine  *turn.Machine
	gate     *gate.Gate
	audio    *audio.Controller
	listener *push.Listener

	// submitMu serialises operations that start or end turns.
	submitMu sync.Mutex

	mu      sync.Mutex
	started bool
	problem api.Problem
	sending bool
	typing  bool
	editors map[string]string
	// drops counts push channel losses; a send compares it before and after.
	drops uint64
}

// New creates an engine. media loads reply audio; eventBus may be nil.
func New(backend Backend, media audio.Media, config *Config, eventBus *bus.EventBus, logger zerolog.Logger) (*Engine, error) {
	if backend == nil || media == nil {
		return nil, fmt.Errorf("%w: backend and media are required", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Audio == nil {
		config.Audio = audio.DefaultConfig()
	}
	if config.Push == nil {
		config.Push = push.DefaultConfig()
	}

	e := &Engine{
		config:   config,
		backend:  backend,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "turn-orchestrator").Logger(),
		editors:  make(map[string]string),
	}

	e.machine = turn.NewMachine("", logger)
	e.gate = gate.New(e.machine, &gate.Config{DisclosureTimeout: config.DisclosureTimeout}, logger)
	e.audio = audio.NewController(media, config.Audio, logger)
	e.listener = push.NewListener(config.Push, e, logger)

	e.machine.SetChangeHandler(e.handleTurnChange)
	e.gate.SetOpenHandler(e.handleGateOpened)
	e.audio.OnReady(e.handleAudioReady)
	e.audio.OnEnded(e.handleAudioEnded)
	e.audio.OnError(e.handleAudioError)
	e.audio.OnPhaseChange(e.handleAudioPhase)
	e.listener.SetReconnectHandler(e.handleReconnect)

	return e, nil
}

// Start opens a conversation for problem and connects the push channel.
// A session already in progress is ended first.
func (e *Engine) Start(ctx context.Context, problem api.Problem) error {
	if problem.Language == "" {
		problem.Language = api.LanguageJava
	}
	if !problem.Language.Valid() {
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidConfig, problem.Language)
	}

	if e.Started() {
		e.End()
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	conversationID, err := e.backend.CreateConversation(ctx, problem)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	e.machine.Reset(conversationID)
	if err := e.listener.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to connect push channel: %w", err)
	}

	e.mu.Lock()
	e.started = true
	e.problem = problem
	e.editors = make(map[string]string)
	e.mu.Unlock()

	e.logger.Info().
		Str("conversation", conversationID).
		Str("company", problem.Company).
		Str("topic", problem.Topic).
		Str("language", string(problem.Language)).
		Msg("Interview session started")
	return nil
}

// End stops audio, drops withheld text and discards the conversation.
func (e *Engine) End() {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	e.mu.Lock()
	wasStarted := e.started
	e.started = false
	e.sending = false
	e.editors = make(map[string]string)
	e.mu.Unlock()

	e.audio.Stop()
	e.gate.Discard()
	e.listener.Disconnect()
	conversationID := e.machine.ConversationID()
	e.machine.Reset("")
	e.refreshTyping()

	if wasStarted {
		e.logger.Info().Str("conversation", conversationID).Msg("Interview session ended")
		// Delivered before End returns so front ends can finish rendering.
		if e.eventBus != nil {
			e.eventBus.PublishSync(bus.Event{
				Type: bus.EventTypeSessionEnded,
				Data: map[string]any{"conversation_id": conversationID},
			})
		}
	}
}

// Started reports whether a session is in progress.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Problem returns the interview context of the current session.
func (e *Engine) Problem() api.Problem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.problem
}

// SetLanguage changes the language sent with later utterances.
func (e *Engine) SetLanguage(language api.Language) error {
	if !language.Valid() {
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidConfig, language)
	}
	e.mu.Lock()
	e.problem.Language = language
	e.mu.Unlock()
	return nil
}

// SetDisclosureTimeout changes the gate timeout from the next turn on.
func (e *Engine) SetDisclosureTimeout(d time.Duration) {
	e.gate.SetTimeout(d)
	e.logger.Info().Dur("timeout", d).Msg("Disclosure timeout updated")
}

// ChannelID is the push channel identity sent with each reply request.
func (e *Engine) ChannelID() string {
	return e.listener.ChannelID()
}

// PlayAudio retries playback that autoplay policy left waiting for a gesture.
func (e *Engine) PlayAudio() error {
	return e.audio.Retry()
}

// StopAudio stops the current reply audio. Text withheld for it is disclosed.
func (e *Engine) StopAudio() {
	turnID := e.audio.BoundTurnID()
	e.audio.Stop()
	if turnID != "" {
		e.gate.OpenFor(turnID, gate.ReasonForced)
	}
}

// View returns the current transcript and session state.
func (e *Engine) View() View {
	session := e.audio.Session()

	e.mu.Lock()
	typing := e.sending
	e.mu.Unlock()

	return View{
		ConversationID: e.machine.ConversationID(),
		Turns:          e.machine.Rendered(),
		Typing:         typing || e.machine.AwaitingText(),
		Audio:          session,
		CanPlay:        session.Phase == audio.PhaseReady && session.Blocked,
		CanStop:        session.Phase.Active(),
		Connected:      e.listener.IsConnected(),
	}
}

// Conversation returns a copy of the full conversation including failure details.
func (e *Engine) Conversation() turn.Conversation {
	return e.machine.Conversation()
}

func (e *Engine) publish(eventType bus.EventType, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(bus.Event{Type: eventType, Data: data})
}
