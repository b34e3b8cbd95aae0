package compositor

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// UpstreamMessage is whatever the Compositor delivers to a client session
// over its message channel: currently only notifications, but kept as an
// envelope so the session registry's plumbing does not need to change if
// the external interface grows additional push types.
type UpstreamMessage struct {
	Notification *NotificationEvent
}

// UpstreamSession is an open client connection to the compositor. The
// channel is single-writer: only the fan-out core and the pending-queue
// flush write to it.
type UpstreamSession struct {
	ID string

	mu    sync.Mutex
	alive bool
	ch    chan UpstreamMessage
}

func newUpstreamSession(bufSize int) *UpstreamSession {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &UpstreamSession{
		ID:    uuid.New().String(),
		alive: true,
		ch:    make(chan UpstreamMessage, bufSize),
	}
}

// Messages returns the channel the client reads from.
func (s *UpstreamSession) Messages() <-chan UpstreamMessage { return s.ch }

// send delivers msg to the session. Returns false if the session is no
// longer alive (caller should drop it from the set) or if the send would
// have blocked (buffer full is treated as a non-retryable send failure:
// per-session message channels are expected to apply their own
// backpressure at the transport layer, and a full buffer here means the
// transport layer is not draining fast enough, which this in-process
// channel treats the same as a closed session).
func (s *UpstreamSession) send(msg UpstreamMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.alive = false
		close(s.ch)
		return false
	}
}

// Close marks the session dead and releases its channel. Idempotent.
func (s *UpstreamSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	s.alive = false
	close(s.ch)
}

func (s *UpstreamSession) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// sessionRegistry is the Compositor's set of live upstream sessions,
// guarded by its own logical lock.
type sessionRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*UpstreamSession
}

func newSessionRegistry(logger *slog.Logger) *sessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionRegistry{
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*UpstreamSession),
	}
}

// Add registers a new session and returns it.
func (r *sessionRegistry) Add(bufSize int) *UpstreamSession {
	s := newUpstreamSession(bufSize)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Remove drops a session from the set, closing its channel if still open.
func (r *sessionRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// snapshot returns the currently live sessions.
func (r *sessionRegistry) snapshot() []*UpstreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*UpstreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *sessionRegistry) isEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) == 0
}

// broadcast delivers msg to every live session, isolating per-session
// failure so that one dead session does not prevent delivery to the
// others.
func (r *sessionRegistry) broadcast(msg UpstreamMessage) {
	for _, s := range r.snapshot() {
		if !s.send(msg) {
			r.logger.Debug("dropping dead session during broadcast", "session", s.ID)
			r.Remove(s.ID)
		}
	}
}
