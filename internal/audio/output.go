package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Output opens the destination a playing stream is written to.
type Output func(format AudioFormat) (io.WriteCloser, error)

// aborter is implemented by outputs that can drop queued audio immediately.
type aborter interface {
	Abort()
}

// NewOutput picks the configured output: an external player, a file, or nothing.
func NewOutput(config *Config) Output {
	switch {
	case config == nil:
		return DiscardOutput()
	case strings.TrimSpace(config.PlayerCommand) != "":
		return CommandOutput(config.PlayerCommand)
	case config.OutputFile != "":
		return FileOutput(config.OutputFile)
	default:
		return DiscardOutput()
	}
}

// DiscardOutput plays into the void.
func DiscardOutput() Output {
	return func(AudioFormat) (io.WriteCloser, error) {
		return nopWriteCloser{io.Discard}, nil
	}
}

// WriterOutput writes played audio to w and never closes it.
func WriterOutput(w io.Writer) Output {
	return func(AudioFormat) (io.WriteCloser, error) {
		return nopWriteCloser{w}, nil
	}
}

// FileOutput appends played audio to path.
func FileOutput(path string) Output {
	return func(AudioFormat) (io.WriteCloser, error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio output file: %w", err)
		}
		return f, nil
	}
}

// CommandOutput pipes played audio into an external player such as
// "ffplay -nodisp -autoexit -loglevel quiet -". The command line is split on
// whitespace; {format} is replaced with the detected format.
func CommandOutput(command string) Output {
	return func(format AudioFormat) (io.WriteCloser, error) {
		args := strings.Fields(strings.ReplaceAll(command, "{format}", string(format)))
		if len(args) == 0 {
			return nil, fmt.Errorf("empty player command")
		}

		ctx, cancel := context.WithCancel(context.Background())
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open player stdin: %w", err)
		}
		if err := cmd.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start player: %w", err)
		}
		return &commandWriter{cmd: cmd, stdin: stdin, cancel: cancel}, nil
	}
}

type commandWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (w *commandWriter) Write(p []byte) (int, error) {
	return w.stdin.Write(p)
}

// Close lets the player drain what it has and waits for it to exit.
func (w *commandWriter) Close() error {
	var err error
	w.once.Do(func() {
		w.stdin.Close()
		err = w.cmd.Wait()
		w.cancel()
	})
	return err
}

// Abort kills the player so nothing more is heard.
func (w *commandWriter) Abort() {
	w.once.Do(func() {
		w.cancel()
		w.stdin.Close()
		_ = w.cmd.Wait()
	})
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
