package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/byte4ever/logfeed/feed"
)

// FeedStream is the engine surface one subscription consumes.
type FeedStream interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan feed.Event
	Ping()
}

// FeedFactory builds one engine instance per subscription.
type FeedFactory func(releaseID string) FeedStream

// Handler serves the release log subscription endpoint as a
// server-sent event stream.
type Handler struct {
	Feeds     FeedFactory
	Heartbeat time.Duration
	Renderer  *LineRenderer
	Log       *slog.Logger
}

// New mounts the subscription endpoint on a fresh mux.
func New(
	factory FeedFactory,
	heartbeat time.Duration,
	renderer *LineRenderer,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /releases/{release}/logs", &Handler{
		Feeds:     factory,
		Heartbeat: heartbeat,
		Renderer:  renderer,
		Log:       logger,
	})

	return mux
}

// eventFilter narrows log events by source type and minimum
// timestamp. Roster and keepalive events always pass.
type eventFilter struct {
	sourceType  string
	sinceMillis int64
}

func (f eventFilter) allows(ev feed.Event) bool {
	if ev.Type != feed.EventLog || ev.Log == nil {
		return true
	}

	if f.sourceType != "" &&
		ev.Log.SourceType != f.sourceType {
		return false
	}

	if f.sinceMillis > 0 &&
		ev.Log.TimestampMillis < f.sinceMillis {
		return false
	}

	return true
}

// parseFilter reads the source and since query parameters. The since
// value accepts unix milliseconds or RFC 3339.
func parseFilter(query url.Values) (eventFilter, error) {
	filter := eventFilter{
		sourceType: query.Get("source"),
	}

	raw := query.Get("since")
	if raw == "" {
		return filter, nil
	}

	if millis, err := strconv.ParseInt(
		raw, 10, 64,
	); err == nil {
		filter.sinceMillis = millis

		return filter, nil
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return eventFilter{}, fmt.Errorf(
			"invalid since value %q: %w", raw, err,
		)
	}

	filter.sinceMillis = parsed.UnixMilli()

	return filter, nil
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}

	return slog.Default()
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}

	return 15 * time.Second
}

// ServeHTTP subscribes the caller to one release's aggregated log
// feed until the client disconnects.
func (h *Handler) ServeHTTP(
	w http.ResponseWriter, r *http.Request,
) {
	releaseID := r.PathValue("release")
	if releaseID == "" {
		http.Error(
			w, "missing release", http.StatusBadRequest,
		)

		return
	}

	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(
			w,
			"streaming unsupported",
			http.StatusInternalServerError,
		)

		return
	}

	stream := h.Feeds(releaseID)

	ctx := r.Context()

	if err := stream.Start(ctx); err != nil {
		h.logger().Warn(
			"subscription rejected",
			"release", releaseID,
			"error", err,
		)
		http.Error(
			w,
			"release resolution failed",
			http.StatusBadGateway,
		)

		return
	}

	defer stream.Stop()

	textMode := r.URL.Query().Get("format") == "text"

	if textMode {
		w.Header().Set(
			"Content-Type", "text/plain; charset=utf-8",
		)
	} else {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger().Info(
		"subscription opened",
		"release", releaseID,
		"text", textMode,
	)
	defer h.logger().Info(
		"subscription closed", "release", releaseID,
	)

	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()

	out := sseWriter{writer: w, flusher: flusher}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keepalives travel through the sink so they stay
			// ordered with the event flow.
			stream.Ping()
		case ev, open := <-stream.Events():
			if !open {
				return
			}

			if !filter.allows(ev) {
				continue
			}

			if err := h.writeEvent(
				out, ev, textMode,
			); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(
	out sseWriter, ev feed.Event, textMode bool,
) error {
	if textMode {
		if ev.Type != feed.EventLog || ev.Log == nil {
			return nil
		}

		return out.writeRaw(h.renderer().Render(*ev.Log))
	}

	switch ev.Type {
	case feed.EventLog:
		payload, err := json.Marshal(ev.Log)
		if err != nil {
			return err
		}

		return out.writeEvent("log", payload)
	case feed.EventPods:
		pods := ev.Pods
		if pods == nil {
			pods = []feed.PodInfo{}
		}

		payload, err := json.Marshal(pods)
		if err != nil {
			return err
		}

		return out.writeEvent("pods", payload)
	case feed.EventPing:
		return out.writeEvent("ping", []byte("{}"))
	default:
		return nil
	}
}

func (h *Handler) renderer() *LineRenderer {
	if h.Renderer != nil {
		return h.Renderer
	}

	renderer, err := NewLineRenderer(DefaultLineTemplate)
	if err != nil {
		// The default template is a constant; it always
		// compiles.
		panic(err)
	}

	return renderer
}

// sseWriter emits server-sent event frames and flushes after each
// one. The handler loop is the only writer, so no locking is needed.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func (s sseWriter) writeEvent(
	name string, payload []byte,
) error {
	_, err := fmt.Fprintf(
		s.writer, "event: %s\ndata: %s\n\n", name, payload,
	)
	if err != nil {
		return err
	}

	s.flusher.Flush()

	return nil
}

func (s sseWriter) writeRaw(line string) error {
	if _, err := fmt.Fprint(s.writer, line); err != nil {
		return err
	}

	s.flusher.Flush()

	return nil
}
