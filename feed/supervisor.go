package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/byte4ever/logfeed/feed/resolve"
	"github.com/byte4ever/logfeed/feed/tail"
)

// PodEnumerator lists the pods currently matching a selector. A
// failed enumeration yields an empty reconcile pass and is retried on
// the next tick.
type PodEnumerator interface {
	GetPods(
		ctx context.Context,
		namespace string,
		selector labels.Selector,
	) ([]corev1.Pod, error)
}

// streamKey uniquely identifies one active container tail within a
// supervisor.
type streamKey string

func makeStreamKey(pod, container string) streamKey {
	return streamKey(pod + "/" + container)
}

// tailHandle tracks one running tailer.
type tailHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// supervisor owns the tailers for one Target. On each tick it
// enumerates the target's pods and reconciles the stream key map:
// newly discovered (pod, container) pairs get a tailer, vanished keys
// are cancelled. At most one live tailer exists per stream key. It
// also feeds the release-wide pod roster so snapshots stay current
// even when no lines are flowing.
type supervisor struct {
	target    resolve.Target
	pods      PodEnumerator
	streamer  tail.Streamer
	mux       *Mux
	roster    *Roster
	interval  time.Duration
	tailLines int64
	log       *slog.Logger

	mu     sync.Mutex
	tails  map[streamKey]*tailHandle
	cursor map[streamKey]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(
	target resolve.Target,
	pods PodEnumerator,
	streamer tail.Streamer,
	mux *Mux,
	roster *Roster,
	interval time.Duration,
	tailLines int64,
	logger *slog.Logger,
) *supervisor {
	return &supervisor{
		target:    target,
		pods:      pods,
		streamer:  streamer,
		mux:       mux,
		roster:    roster,
		interval:  interval,
		tailLines: tailLines,
		log: logger.With(
			"target", target.ID,
			"kind", string(target.Kind),
		),
		tails:  make(map[streamKey]*tailHandle),
		cursor: make(map[streamKey]time.Time),
	}
}

// start launches the reconcile loop. The loop's context is a child of
// ctx, so cancelling ctx tears the supervisor and all its tailers
// down.
func (s *supervisor) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)

	s.reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs the live enumeration against the stream key map.
func (s *supervisor) reconcile(ctx context.Context) {
	pods, err := s.pods.GetPods(
		ctx, s.target.Namespace, s.target.Selector,
	)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn(
				"enumerating pods", "error", err,
			)
		}

		return
	}

	wanted := make(map[streamKey][2]string)
	infos := make([]PodInfo, 0, len(pods))
	seenPods := make(map[string]bool, len(pods))

	for i := range pods {
		pod := &pods[i]

		// Discovery results may repeat a pod; a stream key maps to
		// one tailer regardless.
		if !seenPods[pod.Name] {
			seenPods[pod.Name] = true
			infos = append(infos, PodInfo{
				Name:      pod.Name,
				Namespace: pod.Namespace,
				Type:      string(s.target.Kind),
			})
		}

		for _, container := range containersOf(pod) {
			if s.target.Container != "" &&
				container != s.target.Container {
				continue
			}

			key := makeStreamKey(pod.Name, container)
			wanted[key] = [2]string{pod.Name, container}
		}
	}

	s.roster.SetTargetPods(s.target.ID, infos)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, handle := range s.tails {
		if _, ok := wanted[key]; !ok {
			handle.cancel()
			delete(s.tails, key)
			delete(s.cursor, key)

			continue
		}

		// Reap tailers that exited on their own. Their cursor
		// survives so the restart below resumes past history the
		// consumer already saw.
		select {
		case <-handle.done:
			delete(s.tails, key)
		default:
		}
	}

	for key, pc := range wanted {
		if _, live := s.tails[key]; live {
			continue
		}

		s.tails[key] = s.startTail(ctx, key, pc[0], pc[1])
	}
}

// startTail launches one tailer goroutine. Caller holds s.mu.
func (s *supervisor) startTail(
	ctx context.Context,
	key streamKey,
	pod, container string,
) *tailHandle {
	tailCtx, cancel := context.WithCancel(ctx)
	handle := &tailHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var since *time.Time

	if last, ok := s.cursor[key]; ok {
		cursor := last
		since = &cursor
	}

	t := &tail.Tail{
		Namespace: s.target.Namespace,
		Pod:       pod,
		Container: container,
		Since:     since,
		TailLines: s.tailLines,
		Streamer:  s.streamer,
		Emit: func(line tail.Line) {
			s.deliver(key, line)
		},
		Log: s.log,
	}

	go func() {
		defer close(handle.done)

		if err := t.Run(tailCtx); err != nil {
			// Stream-open failure: the next tick retries while
			// the stream key stays enumerated.
			if tailCtx.Err() == nil {
				s.log.Warn(
					"tail failed",
					"key", string(key),
					"error", err,
				)
			}
		}
	}()

	return handle
}

// deliver advances the stream key's cursor and pushes the line into
// the shared sink without blocking.
func (s *supervisor) deliver(key streamKey, line tail.Line) {
	s.mu.Lock()

	if last, ok := s.cursor[key]; !ok ||
		line.Timestamp.After(last) {
		s.cursor[key] = line.Timestamp
	}

	s.mu.Unlock()

	s.mux.TryPush(Event{
		Type: EventLog,
		Log: &LogEvent{
			Pod:             line.Pod,
			Container:       line.Container,
			SourceType:      string(s.target.Kind),
			Text:            line.Text,
			TimestampMillis: line.Timestamp.UnixMilli(),
		},
	})
}

// stop cancels the reconcile loop and every owned tailer, waits for
// them to exit, and withdraws the target's pods from the roster.
func (s *supervisor) stop() {
	s.cancel()
	<-s.done

	s.mu.Lock()

	handles := make([]*tailHandle, 0, len(s.tails))
	for key, handle := range s.tails {
		handle.cancel()
		handles = append(handles, handle)
		delete(s.tails, key)
	}

	s.mu.Unlock()

	for _, handle := range handles {
		<-handle.done
	}

	s.roster.DropTarget(s.target.ID)
}

// containersOf returns the names of every container in the pod spec,
// init containers included.
func containersOf(pod *corev1.Pod) []string {
	names := make(
		[]string, 0,
		len(pod.Spec.InitContainers)+len(pod.Spec.Containers),
	)

	for _, c := range pod.Spec.InitContainers {
		names = append(names, c.Name)
	}

	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}

	return names
}
