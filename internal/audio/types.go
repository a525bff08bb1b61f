// Package audio owns the spoken rendition of assistant replies: one streamed
// media resource at a time, from loading through playback to release.
package audio

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrEmptyTurnID      = errors.New("audio session needs a turn id")
	ErrEmptyLocator     = errors.New("audio stream locator is empty")
	ErrPlaybackBlocked  = errors.New("playback blocked until user gesture")
	ErrNotReady         = errors.New("no ready audio session to play")
	ErrInvalidFormat    = errors.New("stream is not a supported audio format")
	ErrEmptyStream      = errors.New("audio stream ended without data")
	ErrUnexpectedStatus = errors.New("unexpected audio stream status")
	ErrStreamClosed     = errors.New("audio stream closed")
)

// AudioFormat represents audio encoding format
type AudioFormat string

const (
	FormatUnknown AudioFormat = ""
	FormatWAV     AudioFormat = "wav"
	FormatPCM     AudioFormat = "pcm"
	FormatWebM    AudioFormat = "webm"
	FormatOpus    AudioFormat = "opus"
	FormatMP3     AudioFormat = "mp3"
)

// Phase is the lifecycle position of an audio session
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhasePlaying Phase = "playing"
	PhaseEnded   Phase = "ended"
	PhaseError   Phase = "error"
)

// Active reports whether the phase holds a media resource.
func (p Phase) Active() bool {
	return p == PhaseLoading || p == PhaseReady || p == PhasePlaying
}

// Config holds audio playback configuration
type Config struct {
	ReadyThreshold int    `json:"ready_threshold"` // Bytes buffered before a stream is playable (default: 8 KiB)
	RequireGesture bool   `json:"require_gesture"` // Block autoplay until Retry is called
	PlayerCommand  string `json:"player_command"`  // External player reading the stream on stdin
	OutputFile     string `json:"output_file"`     // Append played audio to this file
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ReadyThreshold: 8 * 1024,
	}
}

// MediaEvents are the lifecycle signals a Stream raises while buffering and playing.
type MediaEvents struct {
	OnReady func()
	OnEnded func()
	OnError func(err error)
}

// Media opens playable streams.
type Media interface {
	Open(ctx context.Context, locator string) (Stream, error)
}

// Stream is one playable media resource.
//
// Buffer reads the source until it is exhausted or ctx is cancelled, raising
// OnReady once enough data is held to start playback. OnEnded fires after Play
// has delivered the whole stream.
type Stream interface {
	Buffer(ctx context.Context, events MediaEvents)
	Play() error
	Pause()
	Close() error
}

// Session is a snapshot of the controller's current session.
type Session struct {
	TurnID  string `json:"turn_id"`
	Phase   Phase  `json:"phase"`
	Blocked bool   `json:"blocked"`
	Err     error  `json:"-"`
}
