package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/byte4ever/logfeed/feed/resolve"
	"github.com/byte4ever/logfeed/feed/tail"
)

// TargetResolver produces the current target set of a release.
type TargetResolver interface {
	Resolve(
		ctx context.Context, releaseID string,
	) ([]resolve.Target, error)
}

// Config tunes the feed timers and buffering. The zero value takes
// the defaults below.
type Config struct {
	// ResolveInterval is the cadence of target re-resolution.
	ResolveInterval time.Duration
	// EnumerateInterval is each supervisor's pod reconcile cadence.
	EnumerateInterval time.Duration
	// SnapshotInterval is the pod roster broadcast cadence.
	SnapshotInterval time.Duration
	// Buffer is the output channel capacity.
	Buffer int
	// TailLines bounds the initial backlog of a fresh stream.
	TailLines int64
	// StopTimeout bounds how long Stop waits for stragglers.
	StopTimeout time.Duration
}

const (
	defaultResolveInterval   = 5 * time.Second
	defaultEnumerateInterval = 2 * time.Second
	defaultSnapshotInterval  = 2 * time.Second
	defaultBuffer            = 1024
	defaultTailLines         = 300
	defaultStopTimeout       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ResolveInterval <= 0 {
		c.ResolveInterval = defaultResolveInterval
	}

	if c.EnumerateInterval <= 0 {
		c.EnumerateInterval = defaultEnumerateInterval
	}

	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultSnapshotInterval
	}

	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}

	if c.TailLines <= 0 {
		c.TailLines = defaultTailLines
	}

	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}

	return c
}

// Feed is the discovery reconciler: it owns one supervisor per
// resolved target and re-runs resolution on a timer, starting and
// stopping supervisors by target id. It also broadcasts periodic pod
// roster snapshots on the shared sink.
type Feed struct {
	releaseID string
	resolver  TargetResolver
	pods      PodEnumerator
	streamer  tail.Streamer
	cfg       Config
	log       *slog.Logger

	mux    *Mux
	roster *Roster

	mu          sync.Mutex
	supervisors map[string]*supervisor

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a feed for one release. Start must be called before
// events flow.
func New(
	releaseID string,
	resolver TargetResolver,
	pods PodEnumerator,
	streamer tail.Streamer,
	cfg Config,
	logger *slog.Logger,
) *Feed {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	logger = logger.With("release", releaseID)

	return &Feed{
		releaseID:   releaseID,
		resolver:    resolver,
		pods:        pods,
		streamer:    streamer,
		cfg:         cfg,
		log:         logger,
		mux:         NewMux(cfg.Buffer, logger),
		roster:      NewRoster(),
		supervisors: make(map[string]*supervisor),
	}
}

// Events returns the output channel. It is closed by Stop.
func (f *Feed) Events() <-chan Event {
	return f.mux.Events()
}

// Ping pushes an on-demand keepalive through the sink so it arrives
// in order with the event flow.
func (f *Feed) Ping() {
	f.mux.Ping()
}

// Dropped reports how many events were discarded on sink overflow.
func (f *Feed) Dropped() uint64 {
	return f.mux.Dropped()
}

// Start resolves the release once synchronously, creates a supervisor
// per target, then launches the periodic re-resolve and snapshot
// loops. The initial resolution failure is surfaced so the caller can
// reject a subscription outright; failures on later ticks are logged
// and retried.
func (f *Feed) Start(ctx context.Context) error {
	const errCtx = "starting feed"

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	targets, err := f.resolver.Resolve(ctx, f.releaseID)
	if err != nil {
		f.cancel()
		close(f.done)

		return fmt.Errorf("%s: %w", errCtx, err)
	}

	f.apply(ctx, targets)

	go f.run(ctx)

	return nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	resolveTicker := time.NewTicker(f.cfg.ResolveInterval)
	defer resolveTicker.Stop()

	snapshotTicker := time.NewTicker(f.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resolveTicker.C:
			f.resolveOnce(ctx)
		case <-snapshotTicker.C:
			f.mux.TryPush(Event{
				Type: EventPods,
				Pods: f.roster.Snapshot(),
			})
		}
	}
}

func (f *Feed) resolveOnce(ctx context.Context) {
	targets, err := f.resolver.Resolve(ctx, f.releaseID)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Warn("resolving targets", "error", err)
		}

		return
	}

	f.apply(ctx, targets)
}

// apply diffs the resolved target set against running supervisors by
// target id. An unchanged id keeps its supervisor untouched, so a
// target whose selector content did not change is never restarted.
func (f *Feed) apply(
	ctx context.Context, targets []resolve.Target,
) {
	seen := make(map[string]bool, len(targets))

	f.mu.Lock()

	for _, target := range targets {
		seen[target.ID] = true

		if _, running := f.supervisors[target.ID]; running {
			continue
		}

		f.log.Info(
			"target discovered",
			"target", target.ID,
			"kind", string(target.Kind),
		)

		sup := newSupervisor(
			target,
			f.pods,
			f.streamer,
			f.mux,
			f.roster,
			f.cfg.EnumerateInterval,
			f.cfg.TailLines,
			f.log,
		)
		f.supervisors[target.ID] = sup
		sup.start(ctx)
	}

	var stopped []*supervisor

	for id, sup := range f.supervisors {
		if !seen[id] {
			f.log.Info("target gone", "target", id)
			delete(f.supervisors, id)
			stopped = append(stopped, sup)
		}
	}

	f.mu.Unlock()

	// Teardown waits for tailers to exit; keep it off the lock.
	for _, sup := range stopped {
		sup.stop()
	}
}

// Stop cancels the whole supervision tree, waits a bounded time for
// every tailer to exit, then closes the output channel exactly once.
// Stragglers past the bound are abandoned; they can no longer reach
// the consumer because the closed sink drops their pushes.
func (f *Feed) Stop() {
	if f.cancel == nil {
		f.mux.Close()

		return
	}

	f.cancel()

	f.mu.Lock()

	sups := make([]*supervisor, 0, len(f.supervisors))
	for id, sup := range f.supervisors {
		sups = append(sups, sup)
		delete(f.supervisors, id)
	}

	f.mu.Unlock()

	finished := make(chan struct{})

	go func() {
		defer close(finished)

		for _, sup := range sups {
			sup.stop()
		}

		<-f.done
	}()

	select {
	case <-finished:
	case <-time.After(f.cfg.StopTimeout):
		f.log.Warn(
			"shutdown timed out, abandoning stragglers",
			"timeout", f.cfg.StopTimeout,
		)
	}

	f.mux.Close()
}
