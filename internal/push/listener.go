package push

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Router receives decoded push events. Fragments arrive in the order the
// server sent them; messageID is empty when the server does not tag them.
type Router interface {
	OnFragment(messageID, text string)
	OnTurnDone(messageID string)
	OnTurnError(messageID, reason string)
	OnConnected(channelID string)
	OnDisconnected(err error)
}

// Config holds push channel configuration
type Config struct {
	URL              string        `json:"url"`
	ReconnectDelay   time.Duration `json:"reconnect_delay"`   // First retry delay (default: 1s)
	MaxBackoff       time.Duration `json:"max_backoff"`       // Retry delay ceiling (default: 30s)
	ReadLimit        int64         `json:"read_limit"`        // Max frame size in bytes (default: 64 KiB)
	HandshakeTimeout time.Duration `json:"handshake_timeout"` // Dial handshake limit (default: 10s)
	PingInterval     time.Duration `json:"ping_interval"`     // Keepalive ping period (default: 20s)
	PongWait         time.Duration `json:"pong_wait"`         // Silence tolerated before the channel counts as lost (default: 45s)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		URL:              "ws://localhost:5000/ws",
		ReconnectDelay:   time.Second,
		MaxBackoff:       30 * time.Second,
		ReadLimit:        64 * 1024,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		PongWait:         45 * time.Second,
	}
}

const writeWait = 5 * time.Second

// Listener keeps the push channel open and forwards events to a Router.
// Missed fragments are not replayed after a reconnect.
type Listener struct {
	config    *Config
	router    Router
	logger    zerolog.Logger
	channelID string
	dialer    *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	writeMu   sync.Mutex

	onReconnect func(attempt int)
}

// NewListener creates a listener with a fresh channel identity.
func NewListener(config *Config, router Router, logger zerolog.Logger) *Listener {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxBackoff < config.ReconnectDelay {
		config.MaxBackoff = config.ReconnectDelay
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongWait <= config.PingInterval {
		config.PongWait = 2 * config.PingInterval
	}

	return &Listener{
		config:    config,
		router:    router,
		logger:    logger.With().Str("component", "push-listener").Logger(),
		channelID: uuid.NewString(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// ChannelID is the identity the server uses to address this client.
func (l *Listener) ChannelID() string {
	return l.channelID
}

// SetReconnectHandler registers a callback invoked before each reconnect attempt.
func (l *Listener) SetReconnectHandler(fn func(attempt int)) {
	l.mu.Lock()
	l.onReconnect = fn
	l.mu.Unlock()
}

// Connect starts the connection loop in the background.
func (l *Listener) Connect(ctx context.Context) error {
	if _, err := l.endpoint(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.connectLoop(ctx)
	}()
	return nil
}

// Disconnect closes the channel and waits for the loop to exit.
func (l *Listener) Disconnect() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.done = nil
	if cancel != nil {
		cancel()
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connected = false
	l.mu.Unlock()

	if done != nil {
		<-done
	}
}

// IsConnected returns connection status
func (l *Listener) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// connectLoop maintains the WebSocket connection with reconnection
func (l *Listener) connectLoop(ctx context.Context) {
	backoff := l.config.ReconnectDelay
	attempt := 0

	for {
		established, err := l.connectWS(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = l.config.ReconnectDelay
			attempt = 0
		}
		attempt++

		if attempt >= 3 {
			l.logger.Debug().Err(err).Int("attempt", attempt).Msg("Push channel still unavailable")
		} else {
			l.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Push channel lost, reconnecting...")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		l.mu.RLock()
		onReconnect := l.onReconnect
		l.mu.RUnlock()
		if onReconnect != nil {
			onReconnect(attempt)
		}

		backoff *= 2
		if backoff > l.config.MaxBackoff {
			backoff = l.config.MaxBackoff
		}
	}
}

// connectWS dials once and reads until the connection drops. It reports
// whether the connection was established.
func (l *Listener) connectWS(ctx context.Context) (bool, error) {
	endpoint, err := l.endpoint()
	if err != nil {
		return false, err
	}

	l.logger.Info().Str("url", endpoint).Msg("Connecting to push channel")

	conn, _, err := l.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(l.config.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	})

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	stop := make(chan struct{})
	go l.keepalive(ctx, conn, stop)

	l.logger.Info().Str("channel", l.channelID).Msg("Connected to push channel")
	l.router.OnConnected(l.channelID)

	readErr := l.readLoop(conn)
	close(stop)

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.connected = false
	l.mu.Unlock()
	conn.Close()

	if ctx.Err() == nil {
		l.router.OnDisconnected(readErr)
	}
	return true, readErr
}

// keepalive pings the server until stop closes. A half-open connection then
// fails the read deadline; a failed ping closes the connection outright.
func (l *Listener) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.logger.Debug().Err(err).Msg("Ping failed, closing push channel")
				conn.Close()
				return
			}
		}
	}
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(l.config.PongWait))

		env, err := Decode(data)
		if err != nil {
			l.logger.Warn().Err(err).Int("len", len(data)).Msg("Ignoring malformed push message")
			continue
		}
		l.handleMessage(conn, env)
	}
}

// handleMessage dispatches one push message
func (l *Listener) handleMessage(conn *websocket.Conn, env Envelope) {
	switch env.Type {
	case TypeHello:
		if env.ChannelID != "" && env.ChannelID != l.channelID {
			l.logger.Warn().Str("got", env.ChannelID).Str("want", l.channelID).Msg("Server acknowledged a different channel")
			return
		}
		l.logger.Debug().Msg("Push channel acknowledged")

	case TypeFragment:
		l.router.OnFragment(env.MessageID, env.Text)

	case TypeDone:
		l.router.OnTurnDone(env.MessageID)

	case TypeError:
		l.router.OnTurnError(env.MessageID, env.Error)

	case TypePing:
		if err := l.write(conn, Envelope{Type: TypePong}); err != nil {
			l.logger.Debug().Err(err).Msg("Failed to answer ping")
		}

	default:
		l.logger.Debug().Str("type", string(env.Type)).Msg("Unknown push message type")
	}
}

func (l *Listener) write(conn *websocket.Conn, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// endpoint returns the configured URL carrying this listener's channel id.
func (l *Listener) endpoint() (string, error) {
	if l.config.URL == "" {
		return "", ErrNoURL
	}
	u, err := url.Parse(l.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("channel", l.channelID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
