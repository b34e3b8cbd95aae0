package compositor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type subscribeCountingServer struct {
	subscribed   int
	unsubscribed int
}

func (s *subscribeCountingServer) Initialize(ctx context.Context) (InitializeResult, error) {
	return InitializeResult{ServerName: "counter"}, nil
}
func (s *subscribeCountingServer) ListTools(ctx context.Context) ([]Tool, error) { return nil, nil }
func (s *subscribeCountingServer) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error) {
	return ToolResult{}, nil
}
func (s *subscribeCountingServer) ListResources(ctx context.Context) ([]Resource, error) {
	return nil, nil
}
func (s *subscribeCountingServer) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	return nil, nil
}
func (s *subscribeCountingServer) Subscribe(ctx context.Context, uri string) error {
	s.subscribed++
	return nil
}
func (s *subscribeCountingServer) Unsubscribe(ctx context.Context, uri string) error {
	s.unsubscribed++
	return nil
}
func (s *subscribeCountingServer) SubscribeListChanges(ctx context.Context) error   { return nil }
func (s *subscribeCountingServer) UnsubscribeListChanges(ctx context.Context) error { return nil }

func mountRunningCounter(t *testing.T, mounts *MountTable, prefix string) *subscribeCountingServer {
	t.Helper()
	srv := &subscribeCountingServer{}
	entry, err := mounts.MountInProc(context.Background(), prefix, srv, false)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	waitRunningEntry(t, entry)
	return srv
}

// Subscribing against an unmounted prefix fails and records the error on
// the subscription record without crashing.
func TestSubscriptionsUnknownPrefix(t *testing.T) {
	mounts := NewMountTable(nil)
	idx := NewSubscriptionsIndex(mounts, nil)

	err := idx.Subscribe(context.Background(), "ghost", "resource://x", false)
	if !errors.Is(err, ErrUnknownPrefix) {
		t.Fatalf("expected ErrUnknownPrefix, got %v", err)
	}

	snap := idx.Snapshot()
	if len(snap) != 1 || snap[0].Active || snap[0].LastError == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

// OnUnmounted clears non-pinned records and marks pinned ones inactive
// without deleting them, per the index's authoritative (non-reconciling)
// contract.
func TestSubscriptionsOnUnmounted(t *testing.T) {
	mounts := NewMountTable(nil)
	idx := NewSubscriptionsIndex(mounts, nil)
	mountRunningCounter(t, mounts, "a")

	if err := idx.Subscribe(context.Background(), "a", "resource://x", false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := idx.Subscribe(context.Background(), "a", "resource://y", true); err != nil {
		t.Fatalf("subscribe pinned: %v", err)
	}

	idx.OnUnmounted("a")

	snap := idx.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected only the pinned record to survive, got %+v", snap)
	}
	if snap[0].URI != "resource://y" || snap[0].Active || snap[0].Present {
		t.Fatalf("pinned record not cleared correctly: %+v", snap[0])
	}
}

// Unsubscribing a non-pinned record removes it entirely, with exactly one
// backend call each way.
func TestSubscriptionsUnsubscribe(t *testing.T) {
	mounts := NewMountTable(nil)
	idx := NewSubscriptionsIndex(mounts, nil)
	srv := mountRunningCounter(t, mounts, "a")

	if err := idx.Subscribe(context.Background(), "a", "resource://x", false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := idx.Unsubscribe(context.Background(), "a", "resource://x"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(idx.Snapshot()) != 0 {
		t.Fatalf("expected record removed, got %+v", idx.Snapshot())
	}
	if srv.subscribed != 1 || srv.unsubscribed != 1 {
		t.Fatalf("expected exactly one subscribe/unsubscribe call, got %+v", srv)
	}
}

func waitRunningEntry(t *testing.T, entry *MountEntry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _, _, _ := entry.State(); state != MountInitializing {
			if state != MountRunning {
				t.Fatalf("mount %q ended in state %v", entry.Prefix, state)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mount %q never left Initializing", entry.Prefix)
}
