package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/hostgate/internal/confirm"
)

// DefaultQueueSize is the number of events a Recorder buffers before it
// starts dropping them.
const DefaultQueueSize = 1024

// Recorder appends events to a Log and forwards them to sinks. It satisfies
// confirm.Observer so the gate's lifecycle lands in the audit trail.
//
// Events are queued and written by a single goroutine, so callers never
// wait on the store or the sinks. Call Close to drain the queue.
type Recorder struct {
	log    Log
	sinks  []Sink
	logger *slog.Logger

	queue   chan queued
	done    chan struct{}
	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	dropped atomic.Uint64
}

// queued is an event to store, or a flush marker when flushed is non-nil.
type queued struct {
	event   Event
	flushed chan struct{}
}

// NewRecorder creates a recorder and starts its writer. A nil log records
// nothing but still publishes to sinks.
func NewRecorder(log Log, logger *slog.Logger, sinks ...Sink) *Recorder {
	return NewRecorderSize(DefaultQueueSize, log, logger, sinks...)
}

// NewRecorderSize is NewRecorder with an explicit queue size.
func NewRecorderSize(size int, log Log, logger *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Recorder{
		log:    log,
		sinks:  sinks,
		logger: logger.With("component", "audit"),
		queue:  make(chan queued, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Log returns the underlying store.
func (r *Recorder) Log() Log { return r.log }

// Record queues an event. It never blocks: when the queue is full the event
// is dropped and counted. Failures are logged, never returned; auditing
// must not change the outcome of the operation being audited.
func (r *Recorder) Record(_ context.Context, e Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("audit event after close", "kind", e.Kind)
		return
	}
	select {
	case r.queue <- queued{event: e}:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit queue full, event dropped", "kind", e.Kind, "action", e.Action, "dropped_total", n)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Flush waits until every event queued before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- queued{flushed: ch}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and returns once the queue is written. It
// does not close the Log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for q := range r.queue {
		if q.flushed != nil {
			close(q.flushed)
			continue
		}
		r.write(q.event)
	}
}

func (r *Recorder) write(e Event) {
	sealed, err := r.log.Append(context.Background(), e)
	if err != nil {
		r.logger.Error("failed to record audit event", "kind", e.Kind, "error", err)
		return
	}
	for _, s := range r.sinks {
		s.Publish(sealed)
	}
}

// ObserveConfirmation implements confirm.Observer.
func (r *Recorder) ObserveConfirmation(e confirm.Event) {
	detail := e.Description
	if e.Detail != "" {
		if detail != "" {
			detail += ": "
		}
		detail += e.Detail
	}
	r.Record(context.Background(), Event{
		Time:   e.Time,
		Kind:   string(e.Kind),
		Action: e.Action,
		Token:  confirm.ShortID(e.TokenID),
		Detail: detail,
	})
}

// PolicyRejected records a request refused by the security policy.
func (r *Recorder) PolicyRejected(ctx context.Context, tool, reason string) {
	r.Record(ctx, Event{Time: time.Now(), Kind: KindPolicyRejected, Action: tool, Detail: reason})
}
