package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/normanking/mockinterview/internal/api"
	"github.com/normanking/mockinterview/internal/audio"
	"github.com/normanking/mockinterview/internal/bus"
	"github.com/normanking/mockinterview/internal/config"
	"github.com/normanking/mockinterview/internal/engine"
	"github.com/normanking/mockinterview/internal/logging"
	"github.com/normanking/mockinterview/internal/metrics"
	"github.com/normanking/mockinterview/internal/turn"
	"github.com/spf13/cobra"
)

var (
	editorFile string
	language   string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interview session and chat from stdin",
	Long: `chat starts a session and sends each line you type as an utterance.

Commands:
  /stop         stop the interviewer's audio
  /play         start audio that is waiting for permission to play
  /retry        resend the last utterance that failed to send
  /lang <name>  switch the editor language (Java, Python, C, C++, JavaScript, SQL, Rust)
  /log [n]      show the last n log entries (default 20)
  /quit         end the session`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&editorFile, "editor", "", "file whose contents are sent as the code editor with each utterance")
	chatCmd.Flags().StringVar(&language, "language", "", "editor language (overrides config)")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if language != "" {
		cfg.Interview.Language = language
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	syslog, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer syslog.Close()
	logger := syslog.Zerolog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.ListenAddr != "" {
		srv := serveMetrics(cfg.Metrics.ListenAddr, syslog)
		defer srv.Close()
	}

	engineCfg := cfg.EngineConfig()
	media := audio.NewHTTPMedia(nil, engineCfg.Audio, nil, logger)
	eventBus := bus.NewEventBus()
	defer eventBus.Clear()

	eng, err := engine.New(api.NewClient(cfg.ClientConfig(), logger), media, engineCfg, eventBus, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newTranscriptPrinter(out)
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeTranscriptChanged,
		bus.EventTypeTypingChanged,
	}, func(bus.Event) {
		printer.Render(eng.View())
	})
	eventBus.Subscribe(bus.EventTypeAudioBlocked, func(bus.Event) {
		printer.Notice("audio is ready; type /play to hear it")
	})
	eventBus.Subscribe(bus.EventTypeTurnFailed, func(ev bus.Event) {
		printer.Notice(fmt.Sprintf("reply failed: %v", ev.Data["reason"]))
	})
	eventBus.Subscribe(bus.EventTypeSessionEnded, func(bus.Event) {
		printer.Notice("interview ended")
	})
	if !cfg.Logging.Console {
		syslog.SetOnLog(func(entry logging.LogEntry) {
			if entry.Level == "warn" || entry.Level == "error" {
				printer.Notice(formatLogEntry(entry))
			}
		})
	}

	if err := eng.Start(ctx, cfg.Problem()); err != nil {
		return err
	}
	defer eng.End()

	if path, err := watchPath(); err == nil {
		err := config.Watch(ctx, path, func(c *config.Config) {
			eng.SetDisclosureTimeout(c.Gate.DisclosureTimeout)
		}, func(err error) {
			syslog.Warn("config", "Ignoring config change", map[string]any{"error": err.Error()})
		})
		if err != nil {
			syslog.Debug("config", "Config watch disabled", map[string]any{"error": err.Error()})
		}
	}

	problem := eng.Problem()
	fmt.Fprintf(out, "Interview with %s on %s (%s). Type /quit to leave.\n", problem.Company, problem.Topic, problem.Language)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, eng, syslog, printer, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the session should end.
func handleLine(ctx context.Context, eng *engine.Engine, syslog *logging.Logger, printer *transcriptPrinter, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	switch fields := strings.Fields(line); fields[0] {
	case "/quit", "/exit":
		return true
	case "/stop":
		eng.StopAudio()
	case "/play":
		if err := eng.PlayAudio(); err != nil {
			printer.Notice(err.Error())
		}
	case "/retry":
		failed, ok := eng.LastFailedSend()
		if !ok {
			printer.Notice("nothing to retry")
			return false
		}
		if _, err := eng.Retry(ctx, failed.ID); err != nil {
			reportSendError(printer, err)
		}
	case "/log":
		limit := 20
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				printer.Notice("usage: /log [count]")
				return false
			}
			limit = n
		}
		for _, entry := range syslog.GetHistory(limit) {
			printer.Notice(formatLogEntry(entry))
		}
	case "/lang":
		if len(fields) < 2 {
			printer.Notice("usage: /lang <language>")
			return false
		}
		if err := eng.SetLanguage(api.Language(fields[1])); err != nil {
			printer.Notice(err.Error())
		}
	default:
		if _, err := eng.SubmitUtterance(ctx, line, readEditor()); err != nil {
			reportSendError(printer, err)
		}
	}
	return false
}

func formatLogEntry(entry logging.LogEntry) string {
	line := fmt.Sprintf("%s %-5s [%s] %s", entry.Timestamp, entry.Level, entry.Component, entry.Message)
	if entry.Data != "" {
		line += " (" + entry.Data + ")"
	}
	return line
}

func reportSendError(printer *transcriptPrinter, err error) {
	var sendErr *engine.SendError
	if errors.As(err, &sendErr) && sendErr.Retryable() {
		printer.Notice(fmt.Sprintf("send failed (%v); type /retry to resend", sendErr.Err))
		return
	}
	printer.Notice(err.Error())
}

func readEditor() string {
	if editorFile == "" {
		return ""
	}
	data, err := os.ReadFile(editorFile)
	if err != nil {
		return ""
	}
	return string(data)
}

func watchPath() (string, error) {
	path, err := configPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func serveMetrics(addr string, syslog *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			syslog.Error("metrics", "Metrics server stopped", err, nil)
		}
	}()
	syslog.Info("metrics", "Serving metrics", map[string]any{"addr": addr})
	return srv
}

// transcriptPrinter writes the interviewer's reply text as it is disclosed.
type transcriptPrinter struct {
	out io.Writer

	mu      sync.Mutex
	printed map[string]int
	closed  map[string]bool
	failed  map[string]bool
	typing  bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{
		out:     out,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

// Render prints whatever part of the view has not been printed yet.
func (p *transcriptPrinter) Render(v engine.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Typing && !p.typing {
		fmt.Fprintln(p.out, "(interviewer is typing...)")
	}
	p.typing = v.Typing

	for _, t := range v.Turns {
		if t.Role == turn.RoleUser {
			if t.Delivery == turn.DeliveryFailed && !p.failed[t.ID] {
				p.failed[t.ID] = true
				fmt.Fprintf(p.out, "! not sent: %q\n", t.Content)
			} else if t.Delivery != turn.DeliveryFailed {
				delete(p.failed, t.ID)
			}
			continue
		}

		n := p.printed[t.ID]
		if len(t.Content) > n {
			if n == 0 {
				fmt.Fprint(p.out, "interviewer: ")
			}
			fmt.Fprint(p.out, t.Content[n:])
			p.printed[t.ID] = len(t.Content)
		}
		if !t.Streaming && !p.closed[t.ID] && p.printed[t.ID] > 0 {
			p.closed[t.ID] = true
			if t.Failed {
				fmt.Fprint(p.out, " [cut off]")
			}
			fmt.Fprintln(p.out)
		}
	}
}

// Notice prints a status line.
func (p *transcriptPrinter) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* %s\n", msg)
}
