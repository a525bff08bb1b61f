package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/normanking/mockinterview/internal/api"
	"github.com/normanking/mockinterview/internal/audio"
	"github.com/normanking/mockinterview/internal/bus"
	"github.com/normanking/mockinterview/internal/gate"
	"github.com/normanking/mockinterview/internal/metrics"
	"github.com/normanking/mockinterview/internal/testutil"
	"github.com/normanking/mockinterview/internal/turn"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	engine *Engine
	server *testutil.InterviewServer
	events *bus.EventBus
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	server := testutil.NewInterviewServer(t)

	cfg := DefaultConfig()
	cfg.DisclosureTimeout = time.Hour
	cfg.Push.URL = server.PushURL()
	cfg.Push.ReconnectDelay = 20 * time.Millisecond
	cfg.Push.MaxBackoff = 50 * time.Millisecond
	if configure != nil {
		configure(cfg)
	}

	client := api.NewClient(&api.ClientConfig{BaseURL: server.URL, Timeout: 5 * time.Second}, zerolog.Nop())
	media := audio.NewHTTPMedia(server.Client(), cfg.Audio, audio.DiscardOutput(), zerolog.Nop())
	events := bus.NewEventBus()

	e, err := New(client, media, cfg, events, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(e.End)

	require.NoError(t, e.Start(context.Background(), api.Problem{
		UserID:  "candidate-1",
		Company: "Acme",
		Topic:   "graphs",
	}))
	server.WaitForChannel(waitFor)
	require.Eventually(t, func() bool { return e.View().Connected }, waitFor, tick)

	return &harness{engine: e, server: server, events: events}
}

func (h *harness) turn(t *testing.T, id string) turn.Turn {
	t.Helper()
	got, ok := h.engine.machine.Turn(id)
	require.True(t, ok, "turn %s not in conversation", id)
	return got
}

func (h *harness) content(id string) string {
	got, _ := h.engine.machine.Turn(id)
	return got.Content
}

func (h *harness) status(id string) turn.Status {
	got, _ := h.engine.machine.Turn(id)
	return got.Status
}

// heldAudio returns a TTS script whose first prefixLen bytes arrive at once and
// the rest only after release is called.
func heldAudio(t *testing.T, prefixLen int) (testutil.TTS, func()) {
	wav := testutil.GenerateTestAudio(t, 200*time.Millisecond)
	hold := make(chan struct{})
	released := false
	release := func() {
		if !released {
			released = true
			close(hold)
		}
	}
	t.Cleanup(release)
	return testutil.TTS{
		Status:      http.StatusOK,
		ContentType: "audio/wav",
		Prefix:      wav[:prefixLen],
		Body:        wav[prefixLen:],
		Hold:        hold,
	}, release
}

func TestEngine_StartCreatesConversation(t *testing.T) {
	h := newHarness(t, nil)

	convs := h.server.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "candidate-1", convs[0].UserID)
	assert.Equal(t, "Java", convs[0].Language, "language defaults to Java")
	assert.Equal(t, "conv-1", h.engine.View().ConversationID)
	assert.True(t, h.engine.Started())
}

func TestEngine_StartRejectsUnknownLanguage(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	client := api.NewClient(&api.ClientConfig{BaseURL: server.URL}, zerolog.Nop())
	e, err := New(client, audio.NewHTTPMedia(nil, nil, audio.DiscardOutput(), zerolog.Nop()), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	err = e.Start(context.Background(), api.Problem{UserID: "u", Language: "COBOL"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, e.Started())
}

func TestEngine_NewRequiresBackendAndMedia(t *testing.T) {
	_, err := New(nil, nil, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngine_SubmitBeforeStart(t *testing.T) {
	server := testutil.NewInterviewServer(t)
	client := api.NewClient(&api.ClientConfig{BaseURL: server.URL}, zerolog.Nop())
	e, err := New(client, audio.NewHTTPMedia(nil, nil, audio.DiscardOutput(), zerolog.Nop()), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = e.SubmitUtterance(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_BlankUtteranceIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.SubmitUtterance(context.Background(), "   ", "")
	assert.ErrorIs(t, err, turn.ErrEmptyUtterance)
	assert.Empty(t, h.engine.View().Turns)
	assert.Empty(t, h.server.Replies())
}

func TestEngine_SubmitSendsEditorAndChannel(t *testing.T) {
	h := newHarness(t, nil)

	id, err := h.engine.SubmitUtterance(context.Background(), "  I would use BFS  ", "class Solution {}")
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	replies := h.server.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "conv-1", replies[0].ConversationID)
	assert.Equal(t, "I would use BFS", replies[0].Text)
	assert.Equal(t, "class Solution {}", replies[0].EditorContents)
	assert.Equal(t, "Java", replies[0].Language)
	assert.Equal(t, h.engine.ChannelID(), replies[0].ChannelID)

	user := h.turn(t, "u1")
	assert.Equal(t, turn.DeliveryDelivered, user.Delivery)
	assert.Equal(t, turn.StatusStreaming, h.status("t1"))
}

func TestEngine_TextWaitsForAudioThenFlushesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	tts, release := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	id, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	require.Equal(t, "t1", id)

	h.server.SendFragment("t1", "Let's ")
	h.server.SendFragment("t1", "think ")
	h.server.SendFragment("t1", "together.")

	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 3 }, waitFor, tick)
	assert.Empty(t, h.content("t1"), "text must wait for audio")
	assert.True(t, h.engine.View().Typing)
	assert.Equal(t, audio.PhaseLoading, h.engine.View().Audio.Phase)

	release()

	require.Eventually(t, func() bool { return h.content("t1") == "Let's think together." }, waitFor, tick)

	h.server.SendDone("t1")
	require.Eventually(t, func() bool { return h.status("t1") == turn.StatusComplete }, waitFor, tick)
	assert.Equal(t, "Let's think together.", h.content("t1"), "text is disclosed exactly once")
	assert.False(t, h.engine.View().Typing)

	require.Eventually(t, func() bool { return h.turn(t, "t1").AudioComplete }, waitFor, tick)
	assert.Equal(t, 1, h.server.TTSRequests("t1"))
}

func TestEngine_DecodeErrorFallsBackToTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.DisclosureTimeout = 80 * time.Millisecond })
	h.server.SetTTS("t1", testutil.TTS{
		Status:      http.StatusOK,
		ContentType: "text/html",
		Body:        []byte("<html>not audio</html>"),
	})

	opened := make(chan bus.Event, 4)
	h.events.Subscribe(bus.EventTypeGateOpened, func(ev bus.Event) { opened <- ev })

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "Still here.")

	require.Eventually(t, func() bool { return h.engine.View().Audio.Phase == audio.PhaseError }, waitFor, tick)
	require.Eventually(t, func() bool { return h.content("t1") == "Still here." }, waitFor, tick)

	select {
	case ev := <-opened:
		assert.Equal(t, string(gate.ReasonTimeout), ev.Data["reason"])
		assert.Equal(t, "t1", ev.Data["turn_id"])
	case <-time.After(waitFor):
		t.Fatal("no gate.opened event")
	}
}

func TestEngine_DoneBeforeAudioReadyKeepsTurnStreaming(t *testing.T) {
	h := newHarness(t, nil)
	tts, release := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)

	h.server.SendFragment("t1", "Short answer.")
	h.server.SendDone("t1")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, turn.StatusStreaming, h.status("t1"), "completion waits for disclosure")
	assert.Empty(t, h.content("t1"))

	release()
	require.Eventually(t, func() bool { return h.status("t1") == turn.StatusComplete }, waitFor, tick)
	assert.Equal(t, "Short answer.", h.content("t1"))
}

func TestEngine_NewUtteranceSupersedesPlayingTurn(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Audio.ReadyThreshold = 64 })
	first, _ := heldAudio(t, 128)
	second, _ := heldAudio(t, 128)
	h.server.SetTTS("t1", first)
	h.server.SetTTS("t2", second)

	_, err := h.engine.SubmitUtterance(context.Background(), "first", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.View().Audio.Phase == audio.PhasePlaying }, waitFor, tick)

	h.server.SendFragment("t1", "Partial")
	require.Eventually(t, func() bool { return h.content("t1") == "Partial" }, waitFor, tick)

	id, err := h.engine.SubmitUtterance(context.Background(), "second", "")
	require.NoError(t, err)
	require.Equal(t, "t2", id)

	superseded := h.turn(t, "t1")
	assert.Equal(t, turn.StatusComplete, superseded.Status)
	assert.True(t, superseded.Interrupted)
	assert.Equal(t, "t2", h.engine.View().Audio.TurnID)

	// A late fragment for the superseded turn must not land anywhere.
	h.server.SendFragment("t1", " stale")
	h.server.SendFragment("t2", "Fresh")
	h.server.SendDone("t2")

	require.Eventually(t, func() bool { return h.status("t2") == turn.StatusComplete }, waitFor, tick)
	assert.Equal(t, "Partial", h.content("t1"))
	assert.Equal(t, "Fresh", h.content("t2"))
}

func TestEngine_StopAudioDisclosesWithheldText(t *testing.T) {
	h := newHarness(t, nil)
	tts, _ := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "Withheld.")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 1 }, waitFor, tick)

	h.engine.StopAudio()

	assert.Equal(t, "Withheld.", h.content("t1"))
	assert.Equal(t, audio.PhaseIdle, h.engine.View().Audio.Phase)
	assert.False(t, h.engine.View().CanStop)
}

func TestEngine_SendFailureThenRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetReplyStatus(http.StatusServiceUnavailable)

	failed := make(chan bus.Event, 1)
	h.events.Subscribe(bus.EventTypeSendFailed, func(ev bus.Event) { failed <- ev })

	_, err := h.engine.SubmitUtterance(context.Background(), "hello", "int x;")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.True(t, sendErr.Retryable())

	user := h.turn(t, sendErr.UserTurnID)
	assert.Equal(t, turn.DeliveryFailed, user.Delivery)
	assert.Equal(t, "hello", user.Content, "the utterance stays visible")
	assert.False(t, h.engine.View().Typing)
	assert.Empty(t, h.engine.machine.StreamingID())

	last, ok := h.engine.LastFailedSend()
	require.True(t, ok)
	assert.Equal(t, sendErr.UserTurnID, last.ID)

	select {
	case ev := <-failed:
		assert.Equal(t, sendErr.UserTurnID, ev.Data["turn_id"])
	case <-time.After(waitFor):
		t.Fatal("no send_failed event")
	}

	h.server.SetReplyStatus(0)
	id, err := h.engine.Retry(context.Background(), sendErr.UserTurnID)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	replies := h.server.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "int x;", replies[1].EditorContents, "retry resends the editor contents")

	delivered := h.turn(t, "u1")
	assert.Equal(t, turn.DeliveryDelivered, delivered.Delivery)
	_, ok = h.engine.LastFailedSend()
	assert.False(t, ok)
}

func TestEngine_ClientErrorIsNotRetryable(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetReplyStatus(http.StatusBadRequest)

	_, err := h.engine.SubmitUtterance(context.Background(), "hello", "")
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.False(t, sendErr.Retryable())
}

func TestEngine_RetryRequiresFailedSend(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.SubmitUtterance(context.Background(), "hello", "")
	require.NoError(t, err)

	_, err = h.engine.Retry(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = h.engine.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestEngine_GenerationErrorFailsTurn(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.DisclosureTimeout = 20 * time.Millisecond })

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "Half an ")
	h.server.SendError("t1", "model overloaded")

	require.Eventually(t, func() bool { return h.status("t1") == turn.StatusFailed }, waitFor, tick)
	failed := h.turn(t, "t1")
	assert.Equal(t, "Half an ", failed.Content)
	assert.Equal(t, "model overloaded", failed.FailureReason)
	assert.False(t, h.engine.View().Typing)
}

func TestEngine_DisconnectDuringStreamingFailsTurn(t *testing.T) {
	h := newHarness(t, nil)
	tts, _ := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "partial")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 1 }, waitFor, tick)

	h.server.DropChannels()

	require.Eventually(t, func() bool { return h.status("t1") == turn.StatusFailed }, waitFor, tick)
	assert.Equal(t, "partial", h.content("t1"), "withheld text is kept")

	// The listener comes back on its own.
	h.server.WaitForChannel(waitFor)
	require.Eventually(t, func() bool { return h.engine.View().Connected }, waitFor, tick)
}

func TestEngine_RequireGesturePlaysOnRequest(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Audio.RequireGesture = true })

	blocked := make(chan struct{}, 1)
	h.events.Subscribe(bus.EventTypeAudioBlocked, func(bus.Event) {
		select {
		case blocked <- struct{}{}:
		default:
		}
	})

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "Ready when you are.")

	require.Eventually(t, func() bool { return h.engine.View().CanPlay }, waitFor, tick)
	assert.Equal(t, "Ready when you are.", h.content("t1"), "ready audio opens the gate even when blocked")
	select {
	case <-blocked:
	case <-time.After(waitFor):
		t.Fatal("no playback_blocked event")
	}

	require.NoError(t, h.engine.PlayAudio())
	require.Eventually(t, func() bool { return h.turn(t, "t1").AudioComplete }, waitFor, tick)
}

func TestEngine_EndDiscardsSession(t *testing.T) {
	h := newHarness(t, nil)
	tts, _ := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	h.server.SendFragment("t1", "never shown")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 1 }, waitFor, tick)

	var ended []string
	h.events.Subscribe(bus.EventTypeSessionEnded, func(ev bus.Event) {
		ended = append(ended, ev.Data["conversation_id"].(string))
	})

	h.engine.End()
	assert.Equal(t, []string{"conv-1"}, ended, "session end is delivered before End returns")

	view := h.engine.View()
	assert.False(t, h.engine.Started())
	assert.Empty(t, view.ConversationID)
	assert.Empty(t, view.Turns)
	assert.Equal(t, audio.PhaseIdle, view.Audio.Phase)
	assert.False(t, view.Connected)

	_, err = h.engine.SubmitUtterance(context.Background(), "again", "")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_SetLanguageAppliesToNextSend(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.engine.SetLanguage("Fortran"), ErrInvalidConfig)
	require.NoError(t, h.engine.SetLanguage(api.LanguagePython))

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "def f(): pass")
	require.NoError(t, err)

	replies := h.server.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "Python", replies[0].Language)
	assert.Equal(t, api.LanguagePython, h.engine.Problem().Language)
}

func TestEngine_UntaggedFragmentsFollowStreamingTurn(t *testing.T) {
	h := newHarness(t, nil)
	tts, release := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "two sum approach?", "")
	require.NoError(t, err)

	h.server.SendFragment("", "Let's ")
	h.server.SendFragment("", "think ")
	h.server.SendFragment("", "together.")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 3 }, waitFor, tick)
	assert.Empty(t, h.content("t1"))

	release()
	require.Eventually(t, func() bool { return h.content("t1") == "Let's think together." }, waitFor, tick)

	h.server.SendDone("")
	require.Eventually(t, func() bool { return h.status("t1") == turn.StatusComplete }, waitFor, tick)
	assert.Equal(t, "Let's think together.", h.content("t1"))
}

func TestEngine_UntaggedLateFragmentAfterSupersedeIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	tts, _ := heldAudio(t, 16)
	h.server.SetTTS("t1", tts)

	_, err := h.engine.SubmitUtterance(context.Background(), "first", "")
	require.NoError(t, err)
	h.server.SendFragment("", "Partial")
	require.Eventually(t, func() bool { return h.engine.gate.Pending() == 1 }, waitFor, tick)

	// The next send fails, so no turn is streaming when the late fragment lands.
	h.server.SetReplyStatus(http.StatusServiceUnavailable)
	_, err = h.engine.SubmitUtterance(context.Background(), "second", "")
	require.Error(t, err)

	superseded := h.turn(t, "t1")
	assert.True(t, superseded.Interrupted)
	assert.Equal(t, "Partial", superseded.Content, "withheld text is disclosed on supersede")

	stale := promtest.ToFloat64(metrics.StaleFragments)
	h.server.SendFragment("", " late")
	require.Eventually(t, func() bool { return promtest.ToFloat64(metrics.StaleFragments) == stale+1 }, waitFor, tick)

	assert.Equal(t, "Partial", h.content("t1"))
	assert.Empty(t, h.engine.machine.StreamingID())
	for _, r := range h.engine.View().Turns {
		assert.NotContains(t, r.Content, "late")
	}
}

func TestEngine_ChannelLostDuringSendAbortsTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.server.SetReplyDelay(300 * time.Millisecond)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := h.engine.SubmitUtterance(context.Background(), "hi", "int x;")
		done <- result{id, err}
	}()

	require.Eventually(t, func() bool { return len(h.server.Replies()) == 1 }, waitFor, tick)
	h.server.DropChannels()

	var res result
	select {
	case res = <-done:
	case <-time.After(waitFor):
		t.Fatal("submit did not return")
	}

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrChannelLost)
	var sendErr *SendError
	require.True(t, errors.As(res.err, &sendErr))
	assert.True(t, sendErr.Retryable())

	assert.Equal(t, turn.DeliveryFailed, h.turn(t, sendErr.UserTurnID).Delivery)
	_, exists := h.engine.machine.Turn("t1")
	assert.False(t, exists, "no assistant turn is left behind")
	assert.Empty(t, h.engine.machine.StreamingID())
	assert.False(t, h.engine.View().Typing)

	// After the channel comes back the same utterance can be resent.
	h.server.WaitForChannel(waitFor)
	require.Eventually(t, func() bool { return h.engine.View().Connected }, waitFor, tick)
	h.server.SetReplyDelay(0)

	id, err := h.engine.Retry(context.Background(), sendErr.UserTurnID)
	require.NoError(t, err)
	assert.Equal(t, "t2", id)
	assert.Equal(t, turn.StatusStreaming, h.status("t2"))
}

func TestEngine_TurnsAreCountedByRole(t *testing.T) {
	h := newHarness(t, nil)

	userComplete := promtest.ToFloat64(metrics.TurnsTotal.WithLabelValues("user", "complete"))
	userFailed := promtest.ToFloat64(metrics.TurnsTotal.WithLabelValues("user", "failed"))

	_, err := h.engine.SubmitUtterance(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, userComplete+1, promtest.ToFloat64(metrics.TurnsTotal.WithLabelValues("user", "complete")))

	h.server.SetReplyStatus(http.StatusServiceUnavailable)
	_, err = h.engine.SubmitUtterance(context.Background(), "again", "")
	require.Error(t, err)
	assert.Equal(t, userFailed+1, promtest.ToFloat64(metrics.TurnsTotal.WithLabelValues("user", "failed")))
}
