package compositor

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// pendingQueue is a bounded FIFO of notifications captured before any
// session existed, dropping the oldest entry on overflow and counting
// drops. Scoped globally rather than per-session: there is one queue
// owned by the Compositor, not one per session.
type pendingQueue struct {
	mu       sync.Mutex
	capacity int
	items    []NotificationEvent
	dropped  int64
	metrics  *Metrics
}

func newPendingQueue(capacity int, metrics *Metrics) *pendingQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &pendingQueue{capacity: capacity, metrics: metrics}
}

func (q *pendingQueue) append(ev NotificationEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		if q.metrics != nil {
			q.metrics.PendingDropped.Inc()
		}
	}
	q.items = append(q.items, ev)
}

// drain removes and returns every queued item.
func (q *pendingQueue) drain() []NotificationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *pendingQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// NotificationHub implements the Notification Fan-Out component: one
// consumer goroutine per mount reads backend-emitted events, attributes
// and rewrites them, then either queues them (no live sessions) or
// broadcasts them (live sessions present).
type NotificationHub struct {
	logger   *slog.Logger
	sessions *sessionRegistry
	pending  *pendingQueue

	// flushed latches true the first time TriggerFlush succeeds, so the
	// pending queue is drained at most once. Flush is triggered by the
	// first list_resources call observed by any session — see DESIGN.md
	// for the rationale.
	flushed atomic.Bool

	wg sync.WaitGroup
}

// NewNotificationHub constructs a hub bound to the given session registry
// and pending-queue capacity. metrics may be nil (tests typically pass
// nil), in which case drops are still counted locally but not exported.
func NewNotificationHub(sessions *sessionRegistry, pendingCapacity int, metrics *Metrics, logger *slog.Logger) *NotificationHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHub{
		logger:   logger.With("component", "notification_hub"),
		sessions: sessions,
		pending:  newPendingQueue(pendingCapacity, metrics),
	}
}

// Consume spawns the per-mount consumer goroutine for prefix's backend.
// Each mount gets exactly one consumer so that per-mount emission order
// is preserved; ordering across mounts is not guaranteed.
func (h *NotificationHub) Consume(prefix string, backend Backend) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range backend.Notifications() {
			ev.OriginPrefix = prefix
			if ev.Kind == EventResourceUpdated {
				ev.URI = prefixResourceURI(prefix, ev.URI)
			}
			h.deliver(ev)
		}
	}()
}

// deliver implements the core fan-out algorithm: queue if no sessions
// exist yet, otherwise broadcast with per-session fault isolation.
func (h *NotificationHub) deliver(ev NotificationEvent) {
	if h.sessions.isEmpty() {
		h.pending.append(ev)
		return
	}
	h.sessions.broadcast(UpstreamMessage{Notification: &ev})
}

// TriggerFlush drains the pending queue and broadcasts its contents to
// the currently live session set, but only the first time it is called —
// this is the compositor's chosen late-join trigger: a session's first
// list_resources call.
func (h *NotificationHub) TriggerFlush() {
	if !h.flushed.CompareAndSwap(false, true) {
		return
	}
	for _, ev := range h.pending.drain() {
		ev := ev
		h.sessions.broadcast(UpstreamMessage{Notification: &ev})
	}
}

// DroppedCount reports how many pending notifications were dropped due
// to overflow; the same drops are counted by Metrics.PendingDropped.
func (h *NotificationHub) DroppedCount() int64 { return h.pending.droppedCount() }

// Wait blocks until every mount consumer goroutine has exited, i.e. every
// backend's Notifications() channel has been closed. Used during
// Compositor shutdown after all mounts have been told to Shutdown.
func (h *NotificationHub) Wait() { h.wg.Wait() }
