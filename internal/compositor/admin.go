package compositor

import (
	"context"
	"encoding/json"
	"fmt"
)

// MountSpecKind discriminates the transport variant an attach_server call
// mounts: a typed spec shape rather than a bare command string.
type MountSpecKind string

const (
	MountSpecStdio MountSpecKind = "stdio"
	MountSpecHTTP  MountSpecKind = "http"
)

// MountSpec is the Admin surface's attach_server argument: a
// discriminated union of the external mount variants. InProc mounts are
// wired by the host runtime only, never via Admin — attach_server
// attaches external transports only.
type MountSpec struct {
	Kind MountSpecKind `json:"kind"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type attachServerArgs struct {
	Name string    `json:"name"`
	Spec MountSpec `json:"spec"`
}

type detachServerArgs struct {
	Name string `json:"name"`
}

// AdminServer is the pinned in-process mount exposing mount lifecycle
// tools. Detaching a pinned prefix fails with ErrPinned and produces no
// side effects.
type AdminServer struct {
	mounts *MountTable
}

// NewAdminServer constructs an Admin server bound to mounts.
func NewAdminServer(mounts *MountTable) *AdminServer {
	return &AdminServer{mounts: mounts}
}

func (s *AdminServer) Initialize(ctx context.Context) (InitializeResult, error) {
	return InitializeResult{ServerName: AdminServerName, ServerVersion: "1.0"}, nil
}

func (s *AdminServer) ListTools(ctx context.Context) ([]Tool, error) {
	return []Tool{
		{Name: "detach_server", Description: "Unmount a non-pinned server by prefix."},
		{Name: "attach_server", Description: "Mount a stdio or http server under a new prefix."},
	}, nil
}

func errResult(err error) ToolResult {
	return ToolResult{IsError: true, Content: []ContentPart{{Type: "text", Text: err.Error()}}}
}

func okResult() ToolResult {
	return ToolResult{Content: []ContentPart{{Type: "text", Text: "ok"}}}
}

func (s *AdminServer) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error) {
	switch name {
	case "detach_server":
		var args detachServerArgs
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return errResult(fmt.Errorf("decode args: %w", err)), nil
		}
		if err := s.mounts.Unmount(ctx, args.Name); err != nil {
			return errResult(err), nil
		}
		return okResult(), nil

	case "attach_server":
		var args attachServerArgs
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return errResult(fmt.Errorf("decode args: %w", err)), nil
		}
		if err := s.attach(ctx, args); err != nil {
			return errResult(err), nil
		}
		return okResult(), nil

	default:
		return errResult(fmt.Errorf("unknown tool %q", name)), nil
	}
}

func (s *AdminServer) attach(ctx context.Context, args attachServerArgs) error {
	switch args.Spec.Kind {
	case MountSpecStdio:
		_, err := s.mounts.MountSubprocess(ctx, args.Name, StdioSpec{
			Command: args.Spec.Command,
			Args:    args.Spec.Args,
			Env:     args.Spec.Env,
		}, false)
		return err
	case MountSpecHTTP:
		_, err := s.mounts.MountHTTP(ctx, args.Name, HTTPSpec{
			Endpoint: args.Spec.Endpoint,
			Headers:  args.Spec.Headers,
		}, false)
		return err
	default:
		return fmt.Errorf("%w: unknown mount spec kind %q", ErrInvalidName, args.Spec.Kind)
	}
}

func (s *AdminServer) ListResources(ctx context.Context) ([]Resource, error) { return nil, nil }
func (s *AdminServer) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	return nil, fmt.Errorf("unknown resource %q", uri)
}
func (s *AdminServer) Subscribe(ctx context.Context, uri string) error   { return nil }
func (s *AdminServer) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (s *AdminServer) SubscribeListChanges(ctx context.Context) error    { return nil }
func (s *AdminServer) UnsubscribeListChanges(ctx context.Context) error  { return nil }

var _ InProcServer = (*AdminServer)(nil)
