package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MountState is the discriminated state tag for a MountEntry: Initializing
// -> Running | Failed, monotonic per mount attempt.
type MountState int32

const (
	MountInitializing MountState = iota
	MountRunning
	MountFailed
)

func (s MountState) String() string {
	switch s {
	case MountInitializing:
		return "initializing"
	case MountRunning:
		return "running"
	case MountFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MountEntry is the Mount Table's record for a single (prefix, backend)
// pair.
type MountEntry struct {
	Prefix    string
	Backend   Backend
	Pinned    bool
	CreatedAt time.Time

	mu         sync.RWMutex
	state      MountState
	initResult InitializeResult
	tools      []Tool
	failReason error
}

// State returns the entry's current state and, for Running, its
// InitializeResult and tool list; for Failed, its reason.
func (e *MountEntry) State() (MountState, InitializeResult, []Tool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	toolsCopy := make([]Tool, len(e.tools))
	copy(toolsCopy, e.tools)
	return e.state, e.initResult, toolsCopy, e.failReason
}

func (e *MountEntry) markRunning(res InitializeResult, tools []Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = MountRunning
	e.initResult = res
	e.tools = tools
}

func (e *MountEntry) markFailed(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = MountFailed
	e.failReason = reason
}

// MountEvent tags the three transitions a mount listener observes.
type MountEvent string

const (
	MountEventMounted      MountEvent = "mounted"
	MountEventUnmounted    MountEvent = "unmounted"
	MountEventStateChanged MountEvent = "state_changed"
)

// MountListener is invoked synchronously after the Mount Table's own
// invariants are restored and before the triggering operation returns.
// Listener panics/errors are isolated: one listener's failure must not
// prevent others from running.
type MountListener func(event MountEvent, prefix string)

// MountTable owns the set of currently mounted backends. It is the
// Compositor's single-owner structure for mount state, accessed under a
// logical per-structure lock.
type MountTable struct {
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*MountEntry
	order    []string // mount order, for reverse-order shutdown
	registry *registry

	listenersMu sync.Mutex
	listeners   map[string]MountListener
	nextToken   int64

	// gracePeriod is the deadline (default 5s) of the context passed to
	// Backend.Shutdown by Unmount and ShutdownAll. The built-in backends
	// do not consult that context: they shut down at once and do not wait
	// for outstanding requests to drain.
	gracePeriod time.Duration
}

// NewMountTable constructs an empty Mount Table.
func NewMountTable(logger *slog.Logger) *MountTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountTable{
		logger:      logger.With("component", "mount_table"),
		entries:     make(map[string]*MountEntry),
		registry:    newRegistry(),
		listeners:   make(map[string]MountListener),
		gracePeriod: 5 * time.Second,
	}
}

// AddListener registers fn and returns an opaque token for RemoveListener.
func (t *MountTable) AddListener(fn MountListener) string {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.nextToken++
	token := fmt.Sprintf("listener-%d", t.nextToken)
	t.listeners[token] = fn
	return token
}

// RemoveListener revokes a previously registered listener.
func (t *MountTable) RemoveListener(token string) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	delete(t.listeners, token)
}

// fire invokes every listener with panic isolation. Called only after
// all mutating locks have been released, so listeners may safely call
// back into the Mount Table (e.g. to read State()).
func (t *MountTable) fire(event MountEvent, prefix string) {
	t.listenersMu.Lock()
	fns := make([]MountListener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenersMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("mount listener panicked", "event", event, "prefix", prefix, "panic", r)
				}
			}()
			fn(event, prefix)
		}()
	}
}

// insert validates prefix and its uniqueness and creates an
// Initializing entry under the write lock. Returns ErrInvalidName or
// ErrDuplicatePrefix synchronously.
func (t *MountTable) insert(prefix string, backend Backend, pinned bool) (*MountEntry, error) {
	if !validPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, prefix)
	}

	t.mu.Lock()
	if _, exists := t.entries[prefix]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicatePrefix, prefix)
	}
	entry := &MountEntry{
		Prefix:    prefix,
		Backend:   backend,
		Pinned:    pinned,
		CreatedAt: time.Now(),
		state:     MountInitializing,
	}
	t.entries[prefix] = entry
	t.order = append(t.order, prefix)
	t.registry.add(prefix)
	t.mu.Unlock()

	t.fire(MountEventMounted, prefix)
	return entry, nil
}

// runInit performs the one-shot backend handshake asynchronously and
// transitions the entry to Running or Failed, firing StateChanged.
func (t *MountTable) runInit(ctx context.Context, entry *MountEntry) {
	res, err := entry.Backend.Initialize(ctx)
	if err != nil {
		entry.markFailed(fmt.Errorf("%w: %v", ErrBackendInitFailed, err))
		t.logger.Error("mount init failed", "prefix", entry.Prefix, "error", err)
		t.fire(MountEventStateChanged, entry.Prefix)
		return
	}

	tools, err := entry.Backend.ListTools(ctx)
	if err != nil {
		entry.markFailed(fmt.Errorf("%w: list_tools: %v", ErrBackendInitFailed, err))
		t.logger.Error("mount tool listing failed", "prefix", entry.Prefix, "error", err)
		t.fire(MountEventStateChanged, entry.Prefix)
		return
	}

	if err := validateToolSchemas(tools); err != nil {
		entry.markFailed(fmt.Errorf("%w: %v", ErrBackendInitFailed, err))
		t.logger.Error("mount advertised malformed tool schema", "prefix", entry.Prefix, "error", err)
		t.fire(MountEventStateChanged, entry.Prefix)
		return
	}

	entry.markRunning(res, tools)
	t.logger.Info("mount running", "prefix", entry.Prefix, "tools", len(tools))
	t.fire(MountEventStateChanged, entry.Prefix)
}

// MountInProc inserts an Initializing entry for an in-process server and
// returns once it is at least Initializing; Running/Failed is reached
// asynchronously.
func (t *MountTable) MountInProc(ctx context.Context, prefix string, server InProcServer, pinned bool) (*MountEntry, error) {
	backend := NewInProcBackend(server, 0)
	entry, err := t.insert(prefix, backend, pinned)
	if err != nil {
		return nil, err
	}
	go t.runInit(ctx, entry)
	return entry, nil
}

// MountSubprocess spawns the subprocess synchronously (so that a failure
// to even launch it is visible to the caller as an insert-time state),
// then proceeds exactly like MountInProc for the handshake.
func (t *MountTable) MountSubprocess(ctx context.Context, prefix string, spec StdioSpec, pinned bool) (*MountEntry, error) {
	if !validPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, prefix)
	}
	backend := NewStdioBackend(spec, t.logger)
	if err := backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendInitFailed, err)
	}

	entry, err := t.insert(prefix, backend, pinned)
	if err != nil {
		_ = backend.Shutdown(ctx)
		return nil, err
	}
	go t.runInit(ctx, entry)
	return entry, nil
}

// MountHTTP mounts an HTTP-backed server, starting its SSE listener
// synchronously (mirroring MountSubprocess's "process spawned before this
// returns" contract applied to the HTTP variant's own long-lived
// connection).
func (t *MountTable) MountHTTP(ctx context.Context, prefix string, spec HTTPSpec, pinned bool) (*MountEntry, error) {
	if !validPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, prefix)
	}
	backend := NewHTTPBackend(spec, t.logger)
	if err := backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendInitFailed, err)
	}

	entry, err := t.insert(prefix, backend, pinned)
	if err != nil {
		_ = backend.Shutdown(ctx)
		return nil, err
	}
	go t.runInit(ctx, entry)
	return entry, nil
}

// Unmount removes prefix's entry. Fails with ErrPinned
// without mutating anything or firing listeners if the entry is pinned.
func (t *MountTable) Unmount(ctx context.Context, prefix string) error {
	t.mu.Lock()
	entry, exists := t.entries[prefix]
	if !exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	if entry.Pinned {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPinned, prefix)
	}
	delete(t.entries, prefix)
	t.registry.remove(prefix)
	for i, p := range t.order {
		if p == prefix {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, t.gracePeriod)
	defer cancel()
	if err := entry.Backend.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("backend shutdown error", "prefix", prefix, "error", err)
	}

	t.fire(MountEventUnmounted, prefix)
	return nil
}

// Get returns the entry for prefix, if mounted.
func (t *MountTable) Get(prefix string) (*MountEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[prefix]
	return e, ok
}

// Prefixes returns the currently mounted prefixes in no particular order.
func (t *MountTable) Prefixes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	return out
}

// ParseToolName resolves a fully-qualified tool name to (prefix, tool)
// using the registry.
func (t *MountTable) ParseToolName(name string) (prefix, tool string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registry.parseToolName(name)
}

// ShutdownAll shuts down every mount, including pinned ones, in reverse
// mount order. Used only by the Compositor's own Shutdown, never by the
// Admin surface.
func (t *MountTable) ShutdownAll(ctx context.Context) {
	t.mu.Lock()
	ordered := make([]*MountEntry, 0, len(t.order))
	for _, p := range t.order {
		ordered = append(ordered, t.entries[p])
	}
	t.entries = make(map[string]*MountEntry)
	t.order = nil
	t.registry = newRegistry()
	t.mu.Unlock()

	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		shutdownCtx, cancel := context.WithTimeout(ctx, t.gracePeriod)
		if err := e.Backend.Shutdown(shutdownCtx); err != nil {
			t.logger.Warn("backend shutdown error during full stop", "prefix", e.Prefix, "error", err)
		}
		cancel()
		t.fire(MountEventUnmounted, e.Prefix)
	}
}
