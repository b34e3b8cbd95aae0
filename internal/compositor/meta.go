package compositor

import (
	"context"
	"encoding/json"
	"fmt"
)

// MetaServerName and AdminServerName are the pinned prefixes the runtime
// mounts itself under.
const (
	MetaServerName  = "compositor_meta"
	AdminServerName = "compositor_admin"
)

// ServerEntry is the JSON-shaped, discriminated view of a MountEntry that
// the Meta surface publishes as a resource.
type ServerEntry struct {
	Prefix string            `json:"prefix"`
	State  string            `json:"state"` // "initializing" | "running" | "failed"
	Pinned bool              `json:"pinned"`
	Init   *InitializeResult `json:"init,omitempty"`
	Tools  []Tool            `json:"tools,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// MetaServer is the pinned in-process mount that publishes the
// Compositor's own mount-table state as MCP-shaped resources. It
// registers itself as a Mount Table listener so that mount
// changes emit resource-list-changed / resource-updated notifications.
type MetaServer struct {
	mounts *MountTable
	sink   NotificationSink
}

// NewMetaServer constructs a Meta server bound to mounts. Call Attach
// once a NotificationSink (the InProcBackend wrapping this server) is
// available, so mount-table transitions can be pushed upstream.
func NewMetaServer(mounts *MountTable) *MetaServer {
	return &MetaServer{mounts: mounts}
}

// Attach wires the sink this server emits notifications through and
// registers the mount-table listener. Must be called before any mount
// mutation the server should observe.
func (s *MetaServer) Attach(sink NotificationSink) {
	s.sink = sink
	s.mounts.AddListener(func(event MountEvent, prefix string) {
		if s.sink == nil {
			return
		}
		switch event {
		case MountEventMounted, MountEventUnmounted:
			s.sink.Emit(NotificationEvent{Kind: EventResourceListChanged})
		case MountEventStateChanged:
			s.sink.Emit(NotificationEvent{Kind: EventResourceUpdated, URI: fmt.Sprintf("resource://%s/state", prefix)})
		}
	})
}

func (s *MetaServer) Initialize(ctx context.Context) (InitializeResult, error) {
	return InitializeResult{ServerName: MetaServerName, ServerVersion: "1.0"}, nil
}

func (s *MetaServer) ListTools(ctx context.Context) ([]Tool, error) { return nil, nil }

func (s *MetaServer) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error) {
	return ToolResult{IsError: true, Content: []ContentPart{{Type: "text", Text: fmt.Sprintf("unknown tool %q", name)}}}, nil
}

// entryToServerEntry builds the discriminated JSON view of a MountEntry.
func entryToServerEntry(e *MountEntry) ServerEntry {
	state, init, tools, reason := e.State()
	se := ServerEntry{Prefix: e.Prefix, State: state.String(), Pinned: e.Pinned}
	switch state {
	case MountRunning:
		se.Init = &init
		se.Tools = tools
	case MountFailed:
		if reason != nil {
			se.Reason = reason.Error()
		}
	}
	return se
}

func (s *MetaServer) ListResources(ctx context.Context) ([]Resource, error) {
	resources := []Resource{{URI: "resource://servers", Name: "servers", MimeType: "application/json"}}
	for _, p := range s.mounts.Prefixes() {
		resources = append(resources, Resource{
			URI:      fmt.Sprintf("resource://%s/state", p),
			Name:     p + "/state",
			MimeType: "application/json",
		})
	}
	return resources, nil
}

func (s *MetaServer) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	if uri == "resource://servers" {
		data, _ := json.Marshal(s.mounts.Prefixes())
		return []ContentPart{{Type: "text", Data: data}}, nil
	}

	const suffix = "/state"
	const scheme = "resource://"
	if len(uri) > len(scheme)+len(suffix) && uri[:len(scheme)] == scheme && uri[len(uri)-len(suffix):] == suffix {
		prefix := uri[len(scheme) : len(uri)-len(suffix)]
		entry, ok := s.mounts.Get(prefix)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
		}
		data, _ := json.Marshal(entryToServerEntry(entry))
		return []ContentPart{{Type: "text", Data: data}}, nil
	}
	return nil, fmt.Errorf("unknown resource %q", uri)
}

// ServerEntries returns every currently mounted entry's discriminated
// view, keyed by prefix.
func (s *MetaServer) ServerEntries() map[string]ServerEntry {
	out := make(map[string]ServerEntry)
	for _, p := range s.mounts.Prefixes() {
		if e, ok := s.mounts.Get(p); ok {
			out[p] = entryToServerEntry(e)
		}
	}
	return out
}

func (s *MetaServer) Subscribe(ctx context.Context, uri string) error   { return nil }
func (s *MetaServer) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (s *MetaServer) SubscribeListChanges(ctx context.Context) error    { return nil }
func (s *MetaServer) UnsubscribeListChanges(ctx context.Context) error  { return nil }

var _ InProcServer = (*MetaServer)(nil)
