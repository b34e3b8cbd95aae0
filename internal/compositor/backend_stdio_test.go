package compositor

import (
	"testing"
)

// processLine delivers notifications to the events channel in the same
// order the backend emitted them on stdout, and routes responses to their
// correlated pending channel rather than the events channel.
func TestStdioProcessLineOrdering(t *testing.T) {
	b := NewStdioBackend(StdioSpec{Command: "test"}, nil)

	respCh := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[1] = respCh
	b.pendingMu.Unlock()

	lines := []string{
		`{"jsonrpc":"2.0","method":"notification/resource_list_changed"}`,
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","method":"notification/resource_updated","params":{"uri":"resource://dummy/1"}}`,
		`{"jsonrpc":"2.0","method":"notification/resource_updated","params":{"uri":"resource://dummy/2"}}`,
	}
	for _, line := range lines {
		b.processLine(line)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			t.Fatalf("unexpected error response: %+v", resp.Error)
		}
	default:
		t.Fatal("expected a routed response on the pending channel")
	}

	first := <-b.events
	if first.Kind != EventResourceListChanged {
		t.Fatalf("got %+v, want resource_list_changed first", first)
	}
	second := <-b.events
	if second.Kind != EventResourceUpdated || second.URI != "resource://dummy/1" {
		t.Fatalf("got %+v, want resource_updated dummy/1 second", second)
	}
	third := <-b.events
	if third.Kind != EventResourceUpdated || third.URI != "resource://dummy/2" {
		t.Fatalf("got %+v, want resource_updated dummy/2 third", third)
	}
}

// markDied resolves every pending call exactly once with a synthetic
// error response, never blocking on a full channel.
func TestStdioMarkDiedResolvesPending(t *testing.T) {
	b := NewStdioBackend(StdioSpec{Command: "test"}, nil)

	ch := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[7] = ch
	b.pendingMu.Unlock()

	b.markDied(errTestBackendGone)

	select {
	case resp := <-ch:
		if resp.Error == nil {
			t.Fatal("expected an error response")
		}
	default:
		t.Fatal("expected markDied to resolve the pending call")
	}

	if err := b.diedErr(); err != errTestBackendGone {
		t.Fatalf("diedErr() = %v, want %v", err, errTestBackendGone)
	}
}

var errTestBackendGone = errBackendGoneForTest{}

type errBackendGoneForTest struct{}

func (errBackendGoneForTest) Error() string { return "backend gone" }
