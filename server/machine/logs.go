package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/matgreaves/wsrig/engine"
)

// ErrLogStreamGaveUp is returned by LogStreamer.Run after too many failures
// in a short window.
var ErrLogStreamGaveUp = errors.New("log stream gave up")

// LogStreamer follows a machine's container output. It reconnects when the
// stream drops, stops cleanly when the container is gone or no longer
// running, and gives up after MaxErrors failures within Window.
type LogStreamer struct {
	Engine      engine.Client
	ContainerID string
	Stdout      io.Writer
	Stderr      io.Writer
	Log         *slog.Logger

	MaxErrors  int           // default 5
	Window     time.Duration // default 20s
	RetryDelay time.Duration // default 1s
}

func (s *LogStreamer) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default().With(slog.String("component", "log-streamer"))
}

// Run implements run.Runner. It returns nil when ctx is cancelled or the
// container stops, and ErrLogStreamGaveUp after repeated rapid failures.
func (s *LogStreamer) Run(ctx context.Context) error {
	maxErrors := s.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 5
	}
	window := s.Window
	if window <= 0 {
		window = 20 * time.Second
	}
	delay := s.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	log := s.log().With(slog.String("container_id", s.ContainerID))

	var (
		since    time.Time
		failures []time.Time
	)
	for {
		err := s.Engine.Logs(ctx, s.ContainerID, engine.LogsOptions{Since: since, Follow: true}, s.Stdout, s.Stderr)
		if ctx.Err() != nil {
			return nil
		}
		// Resume after the output the dropped stream already delivered.
		since = time.Now()

		info, ierr := s.Engine.InspectContainer(ctx, s.ContainerID)
		switch {
		case errors.Is(ierr, engine.ErrNotFound):
			log.Debug("container gone, log stream closed")
			return nil
		case ierr == nil && !info.Running:
			log.Debug("container stopped, log stream closed")
			return nil
		}

		if err != nil {
			now := time.Now()
			failures = append(failures, now)
			for len(failures) > 0 && now.Sub(failures[0]) > window {
				failures = failures[1:]
			}
			if len(failures) >= maxErrors {
				log.Error("giving up on container logs", slog.Int("failures", len(failures)), slog.String("error", err.Error()))
				return fmt.Errorf("%w: %d failures within %s: %w", ErrLogStreamGaveUp, len(failures), window, err)
			}
			log.Warn("container log stream failed, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// LineWriter calls fn once per complete line written to it. A trailing
// partial line is delivered by Flush.
type LineWriter struct {
	fn  func(line string)
	mu  sync.Mutex
	buf []byte
}

// NewLineWriter returns a LineWriter delivering lines to fn.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		w.fn(line)
	}
	return len(p), nil
}

// Flush delivers any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}
