package compositor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Compositor is the top-level runtime wiring together the six core
// components: Naming & Prefix Registry (embedded in MountTable), Backend
// Adapters, Mount Table, Notification Fan-Out, Subscriptions Index, and
// Policy Gateway Middleware, plus the pinned Meta & Admin surfaces.
//
// The Compositor exclusively owns the Mount Table, Subscriptions Index,
// Pending Queue (inside the NotificationHub), and Session set.
type Compositor struct {
	logger *slog.Logger

	mounts      *MountTable
	sessions    *sessionRegistry
	hub         *NotificationHub
	subs        *SubscriptionsIndex
	approvals   *ApprovalManager
	gateway     *Gateway
	metrics     *Metrics
	persistence PersistenceHook

	sessionBuf int
}

// Config bundles every construction-time parameter, injected explicitly
// rather than read from ambient/global state.
type Config struct {
	PendingQueueCapacity int
	SessionBufferSize    int
	Gateway              GatewayConfig
}

// NewCompositor constructs a Compositor with its pinned meta and admin
// mounts already inserted in the Mount Table; as for any mount, their
// handshake to Running finishes asynchronously. evaluator and registerer are injected
// collaborators; registerer may be nil to skip Prometheus registration
// (tests typically pass nil or a fresh prometheus.NewRegistry()). A nil
// persistence defaults to NoopPersistence.
func NewCompositor(ctx context.Context, cfg Config, evaluator PolicyEvaluator, persistence PersistenceHook, registerer prometheus.Registerer, logger *slog.Logger) (*Compositor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if persistence == nil {
		persistence = NoopPersistence{}
	}

	metrics := NewMetrics(registerer)
	mounts := NewMountTable(logger)
	sessions := newSessionRegistry(logger)
	hub := NewNotificationHub(sessions, cfg.PendingQueueCapacity, metrics, logger)
	subs := NewSubscriptionsIndex(mounts, logger)
	approvals := NewApprovalManager(logger)
	gateway := NewGateway(evaluator, approvals, cfg.Gateway, metrics, persistence, logger)

	c := &Compositor{
		logger:      logger.With("component", "compositor"),
		mounts:      mounts,
		sessions:    sessions,
		hub:         hub,
		subs:        subs,
		approvals:   approvals,
		gateway:     gateway,
		metrics:     metrics,
		persistence: persistence,
		sessionBuf:  cfg.SessionBufferSize,
	}

	mounts.AddListener(func(event MountEvent, prefix string) {
		switch event {
		case MountEventMounted:
			if entry, ok := mounts.Get(prefix); ok {
				hub.Consume(prefix, entry.Backend)
			}
			metrics.MountedServers.Set(float64(len(mounts.Prefixes())))
		case MountEventUnmounted:
			subs.OnUnmounted(prefix)
			metrics.MountedServers.Set(float64(len(mounts.Prefixes())))
		}
	})

	meta := NewMetaServer(mounts)
	metaEntry, err := mounts.MountInProc(ctx, MetaServerName, meta, true)
	if err != nil {
		return nil, fmt.Errorf("mount meta server: %w", err)
	}
	meta.Attach(metaEntry.Backend.(*InProcBackend))

	admin := NewAdminServer(mounts)
	if _, err := mounts.MountInProc(ctx, AdminServerName, admin, true); err != nil {
		return nil, fmt.Errorf("mount admin server: %w", err)
	}

	return c, nil
}

// Mounts exposes the Mount Table for direct mount/unmount operations
// (MountInProc, MountSubprocess, MountHTTP, Unmount).
func (c *Compositor) Mounts() *MountTable { return c.mounts }

// Approvals exposes the ApprovalManager so the Admin surface (or any
// out-of-process equivalent) can resolve pending approvals.
func (c *Compositor) Approvals() *ApprovalManager { return c.approvals }

// NewSession registers a new upstream client session.
func (c *Compositor) NewSession() *UpstreamSession {
	return c.sessions.Add(c.sessionBuf)
}

// CloseSession removes a session from the live set and signals a turn
// boundary to the persistence hook.
func (c *Compositor) CloseSession(id string) {
	c.sessions.Remove(id)
	safePersist(c.logger, "turn_boundary", func() { c.persistence.TurnBoundary(context.Background()) })
}

// CallTool routes a fully-qualified tool call through the policy gateway
// to its backend.
func (c *Compositor) CallTool(ctx context.Context, fqName string, argumentsJSON json.RawMessage) (ToolResult, error) {
	prefix, tool, ok := c.mounts.ParseToolName(fqName)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %q", ErrInvalidName, fqName)
	}
	entry, ok := c.mounts.Get(prefix)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}

	req := PolicyRequest{Name: fqName, ArgumentsJSON: argumentsJSON}
	return c.gateway.Call(ctx, prefix, req, func(ctx context.Context) (ToolResult, error) {
		return entry.Backend.CallTool(ctx, tool, argumentsJSON)
	})
}

// ListResources aggregates resources across every running mount with
// client-visible (prefixed) URIs, and triggers the late-join pending
// queue flush.
func (c *Compositor) ListResources(ctx context.Context) ([]Resource, error) {
	c.hub.TriggerFlush()

	var out []Resource
	for _, prefix := range c.mounts.Prefixes() {
		entry, ok := c.mounts.Get(prefix)
		if !ok {
			continue
		}
		state, _, _, _ := entry.State()
		if state != MountRunning {
			continue
		}
		resources, err := entry.Backend.ListResources(ctx)
		if err != nil {
			c.logger.Warn("list_resources failed for mount", "prefix", prefix, "error", err)
			continue
		}
		for _, r := range resources {
			r.URI = prefixResourceURI(prefix, r.URI)
			out = append(out, r)
		}
	}
	return out, nil
}

// splitResourceURI extracts the mount prefix and backend-local URI from a
// client-visible resource URI of the form resource://{prefix}/rest.
func splitResourceURI(uri string) (prefix string, backendURI string, ok bool) {
	const scheme = "resource://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, scheme)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], scheme + rest[idx+1:], true
}

// ReadResource resolves a client-visible URI to its owning mount and
// reads it.
func (c *Compositor) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	prefix, backendURI, ok := splitResourceURI(uri)
	if !ok {
		return nil, fmt.Errorf("%w: malformed resource uri %q", ErrInvalidName, uri)
	}
	entry, ok := c.mounts.Get(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	return entry.Backend.ReadResource(ctx, backendURI)
}

// Subscribe records and issues a resource subscription for a
// client-visible URI.
func (c *Compositor) Subscribe(ctx context.Context, uri string, pinned bool) error {
	prefix, backendURI, ok := splitResourceURI(uri)
	if !ok {
		return fmt.Errorf("%w: malformed resource uri %q", ErrInvalidName, uri)
	}
	return c.subs.Subscribe(ctx, prefix, backendURI, pinned)
}

// Unsubscribe reverses Subscribe.
func (c *Compositor) Unsubscribe(ctx context.Context, uri string) error {
	prefix, backendURI, ok := splitResourceURI(uri)
	if !ok {
		return fmt.Errorf("%w: malformed resource uri %q", ErrInvalidName, uri)
	}
	return c.subs.Unsubscribe(ctx, prefix, backendURI)
}

// SubscribeListChanges/UnsubscribeListChanges manage a mount's list-change feed.
func (c *Compositor) SubscribeListChanges(ctx context.Context, prefix string, pinned bool) error {
	return c.subs.SubscribeListChanges(ctx, prefix, pinned)
}

func (c *Compositor) UnsubscribeListChanges(ctx context.Context, prefix string) error {
	return c.subs.UnsubscribeListChanges(ctx, prefix)
}

// Subscriptions returns a snapshot of the Subscriptions Index, for the
// meta surface or tests.
func (c *Compositor) Subscriptions() []SubscriptionRecord { return c.subs.Snapshot() }

// Shutdown cancels all pending approvals, shuts down every mount
// (including pinned ones) in reverse mount order, and waits for every
// notification consumer goroutine to exit.
func (c *Compositor) Shutdown(ctx context.Context) {
	c.approvals.CancelAll()
	c.mounts.ShutdownAll(ctx)
	c.hub.Wait()
}
