package compositor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/compositor/internal/compositor"
	"github.com/haasonsaas/compositor/internal/compositor/testservers"
)

func newTestCompositor(t *testing.T, evaluator compositor.PolicyEvaluator) *compositor.Compositor {
	t.Helper()
	if evaluator == nil {
		evaluator = testservers.AlwaysAllow{}
	}
	ctx := context.Background()
	c, err := compositor.NewCompositor(ctx, compositor.Config{}, evaluator, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(shutdownCtx)
	})
	return c
}

func mustMountInProc(t *testing.T, c *compositor.Compositor, prefix string, server compositor.InProcServer) {
	t.Helper()
	entry, err := c.Mounts().MountInProc(context.Background(), prefix, server, false)
	if err != nil {
		t.Fatalf("mount %q: %v", prefix, err)
	}
	waitRunning(t, entry)
}

func waitRunning(t *testing.T, entry *compositor.MountEntry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _, _, _ := entry.State(); state != compositor.MountInitializing {
			if state != compositor.MountRunning {
				_, _, _, err := entry.State()
				t.Fatalf("mount %q ended in state %v: %v", entry.Prefix, state, err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mount %q never left Initializing", entry.Prefix)
}

// Two independently-mounted servers are reachable by their qualified
// names and do not collide with each other.
func TestTwoServerMountAndCall(t *testing.T) {
	c := newTestCompositor(t, nil)
	mustMountInProc(t, c, "a", testservers.NewPing())
	mustMountInProc(t, c, "b", testservers.NewEcho())

	res, err := c.CallTool(context.Background(), "a_ping", nil)
	if err != nil {
		t.Fatalf("a_ping: %v", err)
	}
	if res.IsError || res.Content[0].Text != "pong" {
		t.Fatalf("a_ping: got %+v", res)
	}

	args, _ := json.Marshal(map[string]string{"hello": "world"})
	res, err = c.CallTool(context.Background(), "b_echo", args)
	if err != nil {
		t.Fatalf("b_echo: %v", err)
	}
	if res.IsError || string(res.Content[0].Data) != string(args) {
		t.Fatalf("b_echo: got %+v", res)
	}
}

// A duplicate prefix is rejected without disturbing the first mount.
func TestDuplicatePrefixRejected(t *testing.T) {
	c := newTestCompositor(t, nil)
	mustMountInProc(t, c, "a", testservers.NewPing())

	_, err := c.Mounts().MountInProc(context.Background(), "a", testservers.NewEcho(), false)
	if err == nil {
		t.Fatal("expected duplicate prefix error")
	}

	res, err := c.CallTool(context.Background(), "a_ping", nil)
	if err != nil || res.IsError {
		t.Fatalf("original mount should still work: %+v, %v", res, err)
	}
}

// A backend whose Initialize fails leaves Initializing for MountFailed.
func TestFailingBackendReachesFailedState(t *testing.T) {
	c := newTestCompositor(t, nil)
	entry, err := c.Mounts().MountInProc(context.Background(), "broken", testservers.NewFailing(), false)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var state compositor.MountState
	for time.Now().Before(deadline) {
		state, _, _, _ = entry.State()
		if state != compositor.MountInitializing {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if state != compositor.MountFailed {
		t.Fatalf("expected MountFailed, got %v", state)
	}
}

// A policy evaluator returning DecisionAsk blocks the call until the
// Admin-surface-equivalent resolves the approval; approving lets the call
// through to the backend.
func TestApprovalApprovePath(t *testing.T) {
	c := newTestCompositor(t, testservers.AlwaysAsk{})
	mustMountInProc(t, c, "a", testservers.NewPing())

	type callResult struct {
		res compositor.ToolResult
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := c.CallTool(context.Background(), "a_ping", nil)
		done <- callResult{res, err}
	}()

	var callID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := c.Approvals().Pending()
		if len(pending) == 1 {
			callID = pending[0].CallID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if callID == "" {
		t.Fatal("approval was never requested")
	}

	if err := c.Approvals().Resolve(callID, compositor.ApprovalApprove); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil || out.res.IsError {
			t.Fatalf("expected success after approval, got %+v, %v", out.res, out.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never returned after approval")
	}
}

// DecisionAsk resolved as DenyAbort surfaces a PolicyError with Abort set.
func TestApprovalDenyAbortPath(t *testing.T) {
	c := newTestCompositor(t, testservers.AlwaysAsk{})
	mustMountInProc(t, c, "a", testservers.NewPing())

	type callResult struct {
		res compositor.ToolResult
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := c.CallTool(context.Background(), "a_ping", nil)
		done <- callResult{res, err}
	}()

	var callID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := c.Approvals().Pending()
		if len(pending) == 1 {
			callID = pending[0].CallID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if callID == "" {
		t.Fatal("approval was never requested")
	}
	if err := c.Approvals().Resolve(callID, compositor.ApprovalDenyAbort); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	out := <-done
	var perr *compositor.PolicyError
	if out.err == nil {
		t.Fatal("expected a PolicyError")
	}
	if !asPolicyError(out.err, &perr) {
		t.Fatalf("expected *PolicyError, got %T: %v", out.err, out.err)
	}
	if perr.Kind != compositor.PolicyDeniedAbort || !perr.Abort {
		t.Fatalf("unexpected policy error: %+v", perr)
	}
}

func asPolicyError(err error, out **compositor.PolicyError) bool {
	pe, ok := err.(*compositor.PolicyError)
	if !ok {
		return false
	}
	*out = pe
	return true
}

// A hanging evaluator is bounded by the gateway's configured timeout and
// surfaces as PolicyEvaluatorError with Abort set, never hanging the caller.
func TestPolicyEvaluatorTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := compositor.Config{Gateway: compositor.GatewayConfig{EvaluatorTimeout: 50 * time.Millisecond}}
	c, err := compositor.NewCompositor(ctx, cfg, testservers.HangingEvaluator{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewCompositor: %v", err)
	}
	defer c.Shutdown(context.Background())
	mustMountInProc(t, c, "a", testservers.NewPing())

	_, err = c.CallTool(context.Background(), "a_ping", nil)
	var perr *compositor.PolicyError
	if !asPolicyError(err, &perr) {
		t.Fatalf("expected *PolicyError, got %T: %v", err, err)
	}
	if perr.Kind != compositor.PolicyEvaluatorError || !perr.Abort {
		t.Fatalf("unexpected policy error: %+v", perr)
	}
}

// A panicking evaluator is isolated exactly like a timed-out one.
func TestPolicyEvaluatorPanicIsolated(t *testing.T) {
	c := newTestCompositor(t, testservers.PanicEvaluator{})
	mustMountInProc(t, c, "a", testservers.NewPing())

	_, err := c.CallTool(context.Background(), "a_ping", nil)
	var perr *compositor.PolicyError
	if !asPolicyError(err, &perr) {
		t.Fatalf("expected *PolicyError, got %T: %v", err, err)
	}
	if perr.Kind != compositor.PolicyEvaluatorError {
		t.Fatalf("unexpected policy error: %+v", perr)
	}
}

// A notification emitted before any session exists is queued, then
// delivered once a session's first ListResources call triggers the flush.
func TestLateJoinPendingFlush(t *testing.T) {
	c := newTestCompositor(t, nil)
	ping := testservers.NewPing()
	entry, err := c.Mounts().MountInProc(context.Background(), "a", ping, false)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	waitRunning(t, entry)
	ping.AttachSink(entry.Backend.(*compositor.InProcBackend))
	ping.PushStatusUpdate()

	// Give the consumer goroutine a moment to queue the event.
	time.Sleep(20 * time.Millisecond)

	session := c.NewSession()
	defer c.CloseSession(session.ID)

	if _, err := c.ListResources(context.Background()); err != nil {
		t.Fatalf("list resources: %v", err)
	}

	// The pinned meta mount's own mount-table notifications are queued
	// alongside ping's, so skip anything not attributed to "a".
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-session.Messages():
			if msg.Notification == nil {
				t.Fatalf("unexpected message: %+v", msg)
			}
			if msg.Notification.OriginPrefix != "a" {
				continue
			}
			if msg.Notification.Kind != compositor.EventResourceUpdated {
				t.Fatalf("unexpected message: %+v", msg)
			}
			return
		case <-timeout:
			t.Fatal("queued notification was never flushed to the session")
		}
	}
}

// Detaching a pinned mount fails and leaves the mount table untouched.
func TestDetachPinnedMountRejected(t *testing.T) {
	c := newTestCompositor(t, nil)

	err := c.Mounts().Unmount(context.Background(), compositor.MetaServerName)
	if err == nil {
		t.Fatal("expected pinned-mount unmount to fail")
	}

	if _, ok := c.Mounts().Get(compositor.MetaServerName); !ok {
		t.Fatal("pinned mount was removed despite the rejected unmount")
	}
}

// A reserved gateway error code returned by a backend is remapped to
// BackendReservedMisuse rather than passed through verbatim.
func TestReservedErrorCodeRemapped(t *testing.T) {
	c := newTestCompositor(t, nil)
	mustMountInProc(t, c, "a", &reservedCodeServer{})

	_, err := c.CallTool(context.Background(), "a_trip", nil)
	var perr *compositor.PolicyError
	if !asPolicyError(err, &perr) {
		t.Fatalf("expected *PolicyError, got %T: %v", err, err)
	}
	if perr.Kind != compositor.BackendReservedMisuse {
		t.Fatalf("unexpected policy error: %+v", perr)
	}
}

type reservedCodeServer struct{}

func (reservedCodeServer) Initialize(ctx context.Context) (compositor.InitializeResult, error) {
	return compositor.InitializeResult{ServerName: "reserved"}, nil
}
func (reservedCodeServer) ListTools(ctx context.Context) ([]compositor.Tool, error) {
	return []compositor.Tool{{Name: "trip"}}, nil
}
func (reservedCodeServer) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (compositor.ToolResult, error) {
	return compositor.ToolResult{IsError: true, ErrorCode: compositor.ReservedGatewayErrorCode}, nil
}
func (reservedCodeServer) ListResources(ctx context.Context) ([]compositor.Resource, error) {
	return nil, nil
}
func (reservedCodeServer) ReadResource(ctx context.Context, uri string) ([]compositor.ContentPart, error) {
	return nil, nil
}
func (reservedCodeServer) Subscribe(ctx context.Context, uri string) error   { return nil }
func (reservedCodeServer) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (reservedCodeServer) SubscribeListChanges(ctx context.Context) error   { return nil }
func (reservedCodeServer) UnsubscribeListChanges(ctx context.Context) error { return nil }

var _ compositor.InProcServer = (*reservedCodeServer)(nil)
