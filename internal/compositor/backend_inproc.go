package compositor

import (
	"context"
	"encoding/json"
	"sync"
)

// InProcServer is the opaque server object the InProc backend variant
// wraps: direct in-process function dispatch, no wire framing. Meta,
// Admin, and test fixture servers all implement this.
type InProcServer interface {
	Initialize(ctx context.Context) (InitializeResult, error)
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) ([]ContentPart, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
	SubscribeListChanges(ctx context.Context) error
	UnsubscribeListChanges(ctx context.Context) error
}

// NotificationSink lets an InProcServer push notifications without
// knowing about the compositor; the compositor hands the backend a sink
// bound to its own outgoing channel at construction time.
type NotificationSink interface {
	Emit(ev NotificationEvent)
}

// InProcBackend adapts an InProcServer to the Backend contract. Unlike
// Stdio/Http, notifications are delivered via a shared queue the server
// pushes to directly (no serialization, no network round-trip).
type InProcBackend struct {
	server InProcServer

	mu     sync.Mutex
	closed bool
	events chan NotificationEvent
	done   chan struct{}
}

// NewInProcBackend constructs an InProc backend around server. notifyBuf
// sizes the internal notification channel; 0 selects a sensible default.
func NewInProcBackend(server InProcServer, notifyBuf int) *InProcBackend {
	if notifyBuf <= 0 {
		notifyBuf = 64
	}
	return &InProcBackend{
		server: server,
		events: make(chan NotificationEvent, notifyBuf),
		done:   make(chan struct{}),
	}
}

// Emit implements NotificationSink. Non-blocking: if the internal buffer
// is full, the event is dropped rather than blocking the server's call
// stack. Unlike the compositor's pending queue, which drops its oldest
// entry on overflow, it is the new event that is dropped here. Guarded by the same lock
// Shutdown closes events under, so a listener still firing during
// shutdown never sends on a closed channel.
func (b *InProcBackend) Emit(ev NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
	}
}

func (b *InProcBackend) Initialize(ctx context.Context) (InitializeResult, error) {
	return b.server.Initialize(ctx)
}

func (b *InProcBackend) ListTools(ctx context.Context) ([]Tool, error) {
	return b.server.ListTools(ctx)
}

func (b *InProcBackend) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error) {
	return b.server.CallTool(ctx, name, argumentsJSON)
}

func (b *InProcBackend) ListResources(ctx context.Context) ([]Resource, error) {
	return b.server.ListResources(ctx)
}

func (b *InProcBackend) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	return b.server.ReadResource(ctx, uri)
}

func (b *InProcBackend) Subscribe(ctx context.Context, uri string) error {
	return b.server.Subscribe(ctx, uri)
}

func (b *InProcBackend) Unsubscribe(ctx context.Context, uri string) error {
	return b.server.Unsubscribe(ctx, uri)
}

func (b *InProcBackend) SubscribeListChanges(ctx context.Context) error {
	return b.server.SubscribeListChanges(ctx)
}

func (b *InProcBackend) UnsubscribeListChanges(ctx context.Context) error {
	return b.server.UnsubscribeListChanges(ctx)
}

func (b *InProcBackend) Notifications() <-chan NotificationEvent { return b.events }

func (b *InProcBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil // already shut down
	}
	b.closed = true
	close(b.done)
	close(b.events)
	return nil
}
