package compositor

import (
	"context"
	"encoding/json"
)

// Tool describes a single tool advertised by a backend.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ContentPart is one piece of a tool result or resource read: text/image/
// resource variants collapsed to a tagged struct rather than an
// interface, since backends only ever need to round-trip it.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolResult is the uniform shape every tool call returns to the caller,
// whether the call succeeded, the backend reported an application error,
// or (after gateway remap) a policy error occurred.
type ToolResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"is_error"`
	// ErrorCode, when IsError is true, carries the backend's raw numeric
	// error code (if any) before any gateway remap is applied.
	ErrorCode int `json:"error_code,omitempty"`
}

// Resource describes a single resource advertised by list_resources.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// InitializeResult is the one-shot handshake result a backend returns
// from initialize().
type InitializeResult struct {
	ServerName    string `json:"server_name"`
	ServerVersion string `json:"server_version,omitempty"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
}

// NotificationEvent is a server-originated event, tagged by Kind as a
// discriminated union (ResourceListChanged | ResourceUpdated).
type NotificationEventKind string

const (
	EventResourceListChanged NotificationEventKind = "resource_list_changed"
	EventResourceUpdated     NotificationEventKind = "resource_updated"
)

type NotificationEvent struct {
	Kind NotificationEventKind
	// URI is set only for EventResourceUpdated, and is the backend-local
	// (unprefixed) URI at the point of emission; the compositor prefixes
	// it before fan-out.
	URI string
	// OriginPrefix is filled in by the compositor after the event leaves
	// the backend; backends never set it themselves.
	OriginPrefix string
}

// Backend is the uniform capability contract every mount variant
// (InProc, Stdio, Http) must implement.
type Backend interface {
	// Initialize performs the one-shot handshake. Called exactly once,
	// before any other method, by the Mount Table's init task.
	Initialize(ctx context.Context) (InitializeResult, error)

	// ListTools returns the backend's current tool list. May change
	// across the backend's lifetime; callers should not cache it
	// indefinitely.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool by its backend-local (unqualified) name.
	// May block; a backend-reported application failure is returned as
	// ToolResult{IsError: true}, not as a Go error. A Go error return
	// means the backend itself is unreachable/broken (BackendDied class).
	CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error)

	// ListResources, ReadResource, Subscribe and Unsubscribe operate on
	// backend-local (unprefixed) resource URIs.
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) ([]ContentPart, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error

	// SubscribeListChanges/UnsubscribeListChanges manage the per-server
	// list-change feed rather than a single resource's updates.
	SubscribeListChanges(ctx context.Context) error
	UnsubscribeListChanges(ctx context.Context) error

	// Notifications returns the channel backends push NotificationEvents
	// onto. It is closed exactly once, on Shutdown, after which ranging
	// over it terminates — i.e. it is a lazy sequence, finite only on
	// shutdown.
	Notifications() <-chan NotificationEvent

	// Shutdown is idempotent and releases any underlying resources
	// (subprocess, HTTP client, SSE stream).
	Shutdown(ctx context.Context) error
}
