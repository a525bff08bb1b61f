package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/mockinterview/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routed struct {
	kind string
	id   string
	text string
}

type recordingRouter struct {
	mu           sync.Mutex
	events       []routed
	connected    chan string
	disconnected chan error
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{
		connected:    make(chan string, 8),
		disconnected: make(chan error, 8),
	}
}

func (r *recordingRouter) add(e routed) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingRouter) OnFragment(id, text string) { r.add(routed{"fragment", id, text}) }
func (r *recordingRouter) OnTurnDone(id string) { r.add(routed{"done", id, ""}) }
func (r *recordingRouter) OnTurnError(id, reason string) { r.add(routed{"error", id, reason}) }
func (r *recordingRouter) OnConnected(ch string) { r.connected <- ch }
func (r *recordingRouter) OnDisconnected(err error) { r.disconnected <- err }

func (r *recordingRouter) snapshot() []routed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routed(nil), r.events...)
}

func startListener(t *testing.T, server *testutil.InterviewServer) (*Listener, *recordingRouter) {
	t.Helper()
	router := newRecordingRouter()
	l := NewListener(&Config{
		URL:            server.PushURL(),
		ReconnectDelay: 20 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, router, zerolog.Nop())
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(l.Disconnect)

	select {
	case id := <-router.connected:
		assert.Equal(t, l.ChannelID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never connected")
	}
	assert.Equal(t, l.ChannelID(), server.WaitForChannel(time.Second))
	return l, router
}

func TestListener_RoutesMessagesInOrder(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	l, router := startListener(t, server)
	assert.True(t, l.IsConnected())

	server.SendFragment("", "Let's ")
	server.SendFragment("", "think ")
	server.SendFragment("t1", "together.")
	server.SendDone("t1")
	server.SendError("", "model overloaded")

	want := []routed{
		{"fragment", "", "Let's "},
		{"fragment", "", "think "},
		{"fragment", "t1", "together."},
		{"done", "t1", ""},
		{"error", "", "model overloaded"},
	}
	require.Eventually(t, func() bool { return len(router.snapshot()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, router.snapshot())
}

func TestListener_IgnoresMalformedAndUnknownFrames(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	_, router := startListener(t, server)

	server.SendRaw([]byte("not json"))
	server.SendRaw([]byte(`{"text":"no type"}`))
	server.SendRaw([]byte(`{"type":"telemetry"}`))
	server.SendRaw([]byte(`{"type":"ping"}`))
	server.SendFragment("", "still here")

	require.Eventually(t, func() bool { return len(router.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, routed{"fragment", "", "still here"}, router.snapshot()[0])
}

func TestListener_ReconnectsWithoutReplay(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	l, router := startListener(t, server)

	var attempts []int
	var mu sync.Mutex
	l.SetReconnectHandler(func(n int) {
		mu.Lock()
		attempts = append(attempts, n)
		mu.Unlock()
	})

	server.DropChannels()

	select {
	case err := <-router.disconnected:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}

	select {
	case id := <-router.connected:
		assert.Equal(t, l.ChannelID(), id, "channel identity survives reconnects")
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not reconnect")
	}
	server.WaitForChannel(time.Second)

	server.SendFragment("", "after")
	require.Eventually(t, func() bool { return len(router.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, attempts)
}

func TestListener_DisconnectIsQuiet(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	l, router := startListener(t, server)

	l.Disconnect()
	assert.False(t, l.IsConnected())

	select {
	case err := <-router.disconnected:
		t.Fatalf("deliberate disconnect reported as loss: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Safe to call twice.
	assert.NotPanics(t, l.Disconnect)
}

func TestListener_SilentServerCountsAsLost(t *testing.T) {
	// The server accepts the channel and then never reads, so pings go unanswered.
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	router := newRecordingRouter()
	l := NewListener(&Config{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		ReconnectDelay: time.Hour,
		PingInterval:   20 * time.Millisecond,
		PongWait:       80 * time.Millisecond,
	}, router, zerolog.Nop())
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(l.Disconnect)

	select {
	case <-router.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never connected")
	}

	select {
	case err := <-router.disconnected:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("silent channel never reported as lost")
	}
	assert.False(t, l.IsConnected())
}

func TestListener_AnsweredPingsKeepChannelOpen(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	router := newRecordingRouter()
	l := NewListener(&Config{
		URL:          server.PushURL(),
		PingInterval: 10 * time.Millisecond,
		PongWait:     40 * time.Millisecond,
	}, router, zerolog.Nop())
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(l.Disconnect)

	select {
	case <-router.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never connected")
	}

	select {
	case err := <-router.disconnected:
		t.Fatalf("live channel reported as lost: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, l.IsConnected())
}

func TestListener_PongWaitExceedsPingInterval(t *testing.T) {
	l := NewListener(&Config{URL: "ws://localhost/ws", PingInterval: time.Second, PongWait: time.Second}, newRecordingRouter(), zerolog.Nop())
	assert.Equal(t, 2*time.Second, l.config.PongWait)
}

func TestListener_RequiresURL(t *testing.T) {
	l := NewListener(&Config{}, newRecordingRouter(), zerolog.Nop())
	assert.ErrorIs(t, l.Connect(context.Background()), ErrNoURL)
}

func TestListener_EndpointCarriesChannel(t *testing.T) {
	l := NewListener(&Config{URL: "https://api.example.com/ws?v=2"}, newRecordingRouter(), zerolog.Nop())
	endpoint, err := l.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/ws?channel="+l.ChannelID()+"&v=2", endpoint)
}
