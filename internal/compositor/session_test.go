package compositor

import "testing"

// broadcast delivers to every live session even when one session's
// channel is already full (and therefore gets dropped mid-broadcast),
// per the fan-out's per-session fault isolation contract.
func TestBroadcastFaultIsolation(t *testing.T) {
	registry := newSessionRegistry(nil)

	full := registry.Add(1)
	full.ch <- UpstreamMessage{} // fill its buffer so the next send fails

	healthy := registry.Add(4)

	ev := NotificationEvent{Kind: EventResourceListChanged}
	registry.broadcast(UpstreamMessage{Notification: &ev})

	select {
	case msg := <-healthy.Messages():
		if msg.Notification == nil || msg.Notification.Kind != EventResourceListChanged {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("healthy session never received the broadcast")
	}

	if full.isAlive() {
		t.Fatal("expected the full session to be dropped")
	}
	if _, ok := registry.sessions[full.ID]; ok {
		t.Fatal("expected the dropped session to be removed from the registry")
	}
}

func TestSessionRegistryAddRemove(t *testing.T) {
	registry := newSessionRegistry(nil)
	s := registry.Add(4)
	if registry.isEmpty() {
		t.Fatal("registry should not be empty after Add")
	}
	registry.Remove(s.ID)
	if !registry.isEmpty() {
		t.Fatal("registry should be empty after Remove")
	}
	if s.isAlive() {
		t.Fatal("removed session should be marked dead")
	}
}
