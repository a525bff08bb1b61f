package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// HTTPMedia loads TTS audio with a progressive GET. The response body is
// buffered as it arrives; playback may start before the body is complete.
type HTTPMedia struct {
	client *http.Client
	config *Config
	output Output
	logger zerolog.Logger
}

// NewHTTPMedia creates an HTTP media loader. The client must not carry an
// overall timeout since a reply stream stays open for as long as it speaks.
func NewHTTPMedia(client *http.Client, config *Config, output Output, logger zerolog.Logger) *HTTPMedia {
	if client == nil {
		client = &http.Client{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	if output == nil {
		output = NewOutput(config)
	}
	return &HTTPMedia{
		client: client,
		config: config,
		output: output,
		logger: logger.With().Str("component", "audio-http").Logger(),
	}
}

// Open issues the GET and returns once response headers arrive.
func (m *HTTPMedia) Open(ctx context.Context, locator string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "audio/*")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request audio stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	m.logger.Debug().
		Str("locator", locator).
		Str("content_type", resp.Header.Get("Content-Type")).
		Msg("Audio stream opened")

	return newHTTPStream(resp.Body, resp.Header.Get("Content-Type"), m.config.ReadyThreshold, m.output), nil
}

type httpStream struct {
	body        io.ReadCloser
	contentType string
	threshold   int
	output      Output

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	format  AudioFormat
	eof     bool
	ready   bool
	played  int
	playing bool
	closed  bool
	pumpGen uint64
	events  MediaEvents
	out     io.WriteCloser
}

func newHTTPStream(body io.ReadCloser, contentType string, threshold int, output Output) *httpStream {
	if threshold <= 0 {
		threshold = DefaultConfig().ReadyThreshold
	}
	s := &httpStream{
		body:        body,
		contentType: contentType,
		threshold:   threshold,
		output:      output,
		buf:         make([]byte, 0, threshold),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *httpStream) Buffer(ctx context.Context, events MediaEvents) {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()

	chunk := make([]byte, 4096)
	for {
		n, err := s.body.Read(chunk)
		if n > 0 || errors.Is(err, io.EOF) {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			if errors.Is(err, io.EOF) {
				s.eof = true
			}
			s.cond.Broadcast()
			fire, ferr := s.checkReadyLocked()
			s.mu.Unlock()

			if ferr != nil {
				emitError(events, ferr)
				return
			}
			if fire && events.OnReady != nil {
				events.OnReady()
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil || s.isClosed() {
			return
		}
		emitError(events, fmt.Errorf("failed to read audio stream: %w", err))
		return
	}
}

// checkReadyLocked decides whether the stream just became playable (caller must hold lock).
func (s *httpStream) checkReadyLocked() (bool, error) {
	if s.ready {
		return false, nil
	}
	if len(s.buf) == 0 && s.eof {
		return false, ErrEmptyStream
	}
	if len(s.buf) < sniffLen && !s.eof {
		return false, nil
	}
	if s.format == FormatUnknown {
		s.format = DetectFormat(s.contentType, s.buf)
		if s.format == FormatUnknown {
			return false, fmt.Errorf("%w: content type %q", ErrInvalidFormat, s.contentType)
		}
	}
	if len(s.buf) < s.threshold && !s.eof {
		return false, nil
	}
	s.ready = true
	return true, nil
}

func (s *httpStream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if !s.ready {
		return ErrNotReady
	}
	if s.playing {
		return nil
	}
	if s.out == nil {
		out, err := s.output(s.format)
		if err != nil {
			return fmt.Errorf("failed to open audio output: %w", err)
		}
		s.out = out
	}
	s.playing = true
	s.pumpGen++
	go s.pump(s.pumpGen)
	return nil
}

// pump copies buffered audio to the output until the stream is exhausted.
func (s *httpStream) pump(gen uint64) {
	for {
		s.mu.Lock()
		for s.pumpGen == gen && !s.closed && s.played == len(s.buf) && !s.eof {
			s.cond.Wait()
		}
		if s.pumpGen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		if s.played == len(s.buf) && s.eof {
			s.playing = false
			out := s.out
			s.out = nil
			onEnded := s.events.OnEnded
			s.mu.Unlock()

			if out != nil {
				out.Close()
			}
			if onEnded != nil {
				onEnded()
			}
			return
		}
		chunk := s.buf[s.played:]
		s.played = len(s.buf)
		out := s.out
		s.mu.Unlock()

		if _, err := out.Write(chunk); err != nil {
			if s.isClosed() {
				return
			}
			emitError(s.events, fmt.Errorf("failed to write audio output: %w", err))
			return
		}
	}
}

func (s *httpStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pumpGen++
	s.playing = false
	s.cond.Broadcast()
}

func (s *httpStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pumpGen++
	s.playing = false
	out := s.out
	s.out = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if out != nil {
		if a, ok := out.(aborter); ok {
			a.Abort()
		} else {
			out.Close()
		}
	}
	return s.body.Close()
}

func (s *httpStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func emitError(events MediaEvents, err error) {
	if events.OnError != nil {
		events.OnError(err)
	}
}
