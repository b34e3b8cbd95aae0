// Package compositorclient is a thin typed client over a Compositor's own
// pinned meta and admin mounts.
package compositorclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/compositor/internal/compositor"
)

// Client wraps a *compositor.Compositor with convenience methods that
// encode/decode the meta and admin surfaces' tool/resource payloads, so
// callers never construct raw JSON-RPC-shaped arguments by hand.
type Client struct {
	c *compositor.Compositor
}

// New wraps comp.
func New(comp *compositor.Compositor) *Client {
	return &Client{c: comp}
}

// ListStates returns every currently mounted server's discriminated
// state view, read from the meta surface's resource://servers and
// resource://{prefix}/state resources.
func (cl *Client) ListStates(ctx context.Context) (map[string]compositor.ServerEntry, error) {
	resources, err := cl.c.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	out := make(map[string]compositor.ServerEntry)
	for _, r := range resources {
		parts, err := cl.c.ReadResource(ctx, r.URI)
		if err != nil {
			continue
		}
		for _, p := range parts {
			var entry compositor.ServerEntry
			if p.Data == nil {
				continue
			}
			if err := json.Unmarshal(p.Data, &entry); err == nil && entry.Prefix != "" {
				out[entry.Prefix] = entry
			}
		}
	}
	return out, nil
}

// AttachServer calls the admin surface's attach_server tool to mount a
// new non-pinned server.
func (cl *Client) AttachServer(ctx context.Context, name string, spec compositor.MountSpec) error {
	args, err := json.Marshal(struct {
		Name string                `json:"name"`
		Spec compositor.MountSpec `json:"spec"`
	}{Name: name, Spec: spec})
	if err != nil {
		return fmt.Errorf("encode attach_server args: %w", err)
	}
	result, err := cl.c.CallTool(ctx, compositor.AdminServerName+"_attach_server", args)
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("attach_server: %s", contentText(result))
	}
	return nil
}

// DetachServer calls the admin surface's detach_server tool to unmount a
// non-pinned server by prefix.
func (cl *Client) DetachServer(ctx context.Context, name string) error {
	args, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: name})
	if err != nil {
		return fmt.Errorf("encode detach_server args: %w", err)
	}
	result, err := cl.c.CallTool(ctx, compositor.AdminServerName+"_detach_server", args)
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("detach_server: %s", contentText(result))
	}
	return nil
}

func contentText(result compositor.ToolResult) string {
	for _, p := range result.Content {
		if p.Text != "" {
			return p.Text
		}
	}
	return "unknown error"
}
