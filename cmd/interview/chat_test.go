package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/normanking/mockinterview/internal/engine"
	"github.com/normanking/mockinterview/internal/logging"
	"github.com/normanking/mockinterview/internal/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptPrinter_PrintsOnlyNewText(t *testing.T) {
	var out bytes.Buffer
	p := newTranscriptPrinter(&out)

	p.Render(engine.View{Typing: true, Turns: []turn.Rendered{
		{ID: "u1", Role: turn.RoleUser, Content: "hi", Delivery: turn.DeliveryDelivered},
	}})
	p.Render(engine.View{Turns: []turn.Rendered{
		{ID: "u1", Role: turn.RoleUser, Content: "hi", Delivery: turn.DeliveryDelivered},
		{ID: "t1", Role: turn.RoleAssistant, Content: "Let's think", Streaming: true},
	}})
	p.Render(engine.View{Turns: []turn.Rendered{
		{ID: "u1", Role: turn.RoleUser, Content: "hi", Delivery: turn.DeliveryDelivered},
		{ID: "t1", Role: turn.RoleAssistant, Content: "Let's think together."},
	}})
	p.Render(engine.View{Turns: []turn.Rendered{
		{ID: "t1", Role: turn.RoleAssistant, Content: "Let's think together."},
	}})

	assert.Equal(t, "(interviewer is typing...)\ninterviewer: Let's think together.\n", out.String())
}

func TestTranscriptPrinter_MarksFailures(t *testing.T) {
	var out bytes.Buffer
	p := newTranscriptPrinter(&out)

	p.Render(engine.View{Turns: []turn.Rendered{
		{ID: "local-1", Role: turn.RoleUser, Content: "hello", Delivery: turn.DeliveryFailed},
		{ID: "t0", Role: turn.RoleAssistant, Content: "Half", Failed: true},
	}})
	p.Notice("type /retry to resend")

	assert.Equal(t, "! not sent: \"hello\"\ninterviewer: Half [cut off]\n* type /retry to resend\n", out.String())
}

func TestHandleLine_LogShowsRecentHistory(t *testing.T) {
	syslog, err := logging.New(&logging.Config{Level: logging.LevelDebug})
	require.NoError(t, err)

	gate := syslog.Component("gate")
	gate.Info().Msg("first")
	gate.Warn().Str("turn", "t1").Msg("second")
	syslog.Info("engine", "third", nil)

	var out bytes.Buffer
	quit := handleLine(context.Background(), nil, syslog, newTranscriptPrinter(&out), "/log 2")
	assert.False(t, quit)

	got := out.String()
	assert.NotContains(t, got, "first")
	assert.Contains(t, got, "[gate] second (turn=t1)")
	assert.Contains(t, got, "[engine] third")
}

func TestHandleLine_LogRejectsBadCount(t *testing.T) {
	syslog, err := logging.New(&logging.Config{Level: logging.LevelInfo})
	require.NoError(t, err)

	var out bytes.Buffer
	handleLine(context.Background(), nil, syslog, newTranscriptPrinter(&out), "/log many")
	assert.Contains(t, out.String(), "usage: /log [count]")
}
