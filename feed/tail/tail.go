package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Options constrain a follow-mode log read.
type Options struct {
	Follow     bool
	Timestamps bool

	// SinceTime suppresses server-side history older than the given
	// instant. When set, TailLines is ignored.
	SinceTime *time.Time

	// TailLines bounds the initial backlog of a fresh stream.
	TailLines *int64
}

// Streamer opens a follow-mode read of one container's log output.
type Streamer interface {
	StreamContainerLogs(
		ctx context.Context,
		namespace, pod, container string,
		opts Options,
	) (io.ReadCloser, error)
}

// Line is one parsed log line.
type Line struct {
	Pod       string
	Container string
	Text      string
	Timestamp time.Time
}

// Tail follows the log output of one container in one pod. One Tail
// is run per stream key by its owning supervisor; it never restarts
// itself.
type Tail struct {
	Namespace string
	Pod       string
	Container string

	// Since is the redelivery cursor. When set the stream opens
	// without a backlog bound and lines at or before the cursor are
	// suppressed client-side (the log API's since-time granularity
	// is one second).
	Since *time.Time

	// TailLines bounds the initial backlog when Since is unset, so a
	// fresh stream does not flood the consumer with full history.
	TailLines int64

	Streamer Streamer

	// Emit receives each parsed line. It must not block.
	Emit func(Line)

	Log *slog.Logger
}

func (t *Tail) logger() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}

	return slog.Default()
}

// Run opens the stream and emits lines until the context is cancelled
// or the stream ends. A stream that ends on its own (pod terminated)
// is not an error: Run returns nil and the owning supervisor decides
// whether to start a replacement. Only a failure to open the stream is
// reported.
func (t *Tail) Run(ctx context.Context) error {
	const errCtx = "tailing container"

	opts := Options{Follow: true, Timestamps: true}

	switch {
	case t.Since != nil:
		opts.SinceTime = t.Since
	case t.TailLines > 0:
		lines := t.TailLines
		opts.TailLines = &lines
	}

	stream, err := t.Streamer.StreamContainerLogs(
		ctx, t.Namespace, t.Pod, t.Container, opts,
	)
	if err != nil {
		return fmt.Errorf(
			"%s %s/%s: opening stream: %w",
			errCtx, t.Pod, t.Container, err,
		)
	}

	//nolint:errcheck,gosec // best-effort close
	defer stream.Close()

	// Unblock the read on cancellation by closing the stream out
	// from under it.
	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-ctx.Done():
			//nolint:errcheck,gosec // best-effort close
			stream.Close()
		case <-finished:
		}
	}()

	reader := bufio.NewReader(stream)

	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			t.emit(string(raw))
		}

		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				t.logger().Debug(
					"log stream ended",
					"pod", t.Pod,
					"container", t.Container,
					"error", err,
				)
			}

			return nil
		}
	}
}

// emit parses one raw line and hands it to the sink. Lines at or
// before the cursor are dropped so a reconnect never re-delivers
// history the consumer already saw.
func (t *Tail) emit(raw string) {
	text := strings.TrimRight(raw, "\r\n")

	// Malformed or missing timestamp tokens keep the whole line and
	// fall back to receipt time.
	timestamp := time.Now()

	if token, rest, found := strings.Cut(text, " "); found {
		if parsed, err := time.Parse(
			time.RFC3339Nano, token,
		); err == nil {
			timestamp, text = parsed, rest
		}
	}

	if t.Since != nil && !timestamp.After(*t.Since) {
		return
	}

	t.Emit(Line{
		Pod:       t.Pod,
		Container: t.Container,
		Text:      text,
		Timestamp: timestamp,
	})
}
