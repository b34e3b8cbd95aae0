// Package testservers provides small InProcServer fixtures shared across
// internal/compositor's _test.go files, covering a basic ping/echo
// end-to-end scenario.
package testservers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/compositor/internal/compositor"
)

// Ping is a minimal backend exposing a single "ping" tool that always
// returns "pong", and a single static resource.
type Ping struct {
	mu        sync.Mutex
	resources []compositor.Resource
	sink      compositor.NotificationSink
}

// NewPing constructs a Ping server with one resource, resource://status.
func NewPing() *Ping {
	return &Ping{
		resources: []compositor.Resource{{URI: "resource://status", Name: "status", MimeType: "text/plain"}},
	}
}

func (p *Ping) Initialize(ctx context.Context) (compositor.InitializeResult, error) {
	return compositor.InitializeResult{ServerName: "ping", ServerVersion: "test"}, nil
}

func (p *Ping) ListTools(ctx context.Context) ([]compositor.Tool, error) {
	return []compositor.Tool{{Name: "ping", Description: "always replies pong"}}, nil
}

func (p *Ping) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (compositor.ToolResult, error) {
	if name != "ping" {
		return compositor.ToolResult{IsError: true, Content: []compositor.ContentPart{{Type: "text", Text: fmt.Sprintf("unknown tool %q", name)}}}, nil
	}
	return compositor.ToolResult{Content: []compositor.ContentPart{{Type: "text", Text: "pong"}}}, nil
}

func (p *Ping) ListResources(ctx context.Context) ([]compositor.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]compositor.Resource, len(p.resources))
	copy(out, p.resources)
	return out, nil
}

func (p *Ping) ReadResource(ctx context.Context, uri string) ([]compositor.ContentPart, error) {
	if uri != "resource://status" {
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
	return []compositor.ContentPart{{Type: "text", Text: "ok"}}, nil
}

func (p *Ping) Subscribe(ctx context.Context, uri string) error              { return nil }
func (p *Ping) Unsubscribe(ctx context.Context, uri string) error            { return nil }
func (p *Ping) SubscribeListChanges(ctx context.Context) error               { return nil }
func (p *Ping) UnsubscribeListChanges(ctx context.Context) error             { return nil }

// AttachSink sets the sink PushStatusUpdate emits through, letting a test
// push a fake server-originated notification (mirroring how the real
// Meta server receives its sink via Attach).
func (p *Ping) AttachSink(sink compositor.NotificationSink) { p.sink = sink }

func (p *Ping) PushStatusUpdate() {
	if p.sink != nil {
		p.sink.Emit(compositor.NotificationEvent{Kind: compositor.EventResourceUpdated, URI: "resource://status"})
	}
}

// Echo is a minimal backend exposing an "echo" tool that returns its
// arguments JSON back as a text content part.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Initialize(ctx context.Context) (compositor.InitializeResult, error) {
	return compositor.InitializeResult{ServerName: "echo", ServerVersion: "test"}, nil
}

func (e *Echo) ListTools(ctx context.Context) ([]compositor.Tool, error) {
	return []compositor.Tool{{Name: "echo", Description: "echoes its arguments"}}, nil
}

func (e *Echo) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (compositor.ToolResult, error) {
	if name != "echo" {
		return compositor.ToolResult{IsError: true, Content: []compositor.ContentPart{{Type: "text", Text: fmt.Sprintf("unknown tool %q", name)}}}, nil
	}
	return compositor.ToolResult{Content: []compositor.ContentPart{{Type: "text", Data: argumentsJSON}}}, nil
}

func (e *Echo) ListResources(ctx context.Context) ([]compositor.Resource, error) { return nil, nil }
func (e *Echo) ReadResource(ctx context.Context, uri string) ([]compositor.ContentPart, error) {
	return nil, fmt.Errorf("unknown resource %q", uri)
}
func (e *Echo) Subscribe(ctx context.Context, uri string) error   { return nil }
func (e *Echo) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (e *Echo) SubscribeListChanges(ctx context.Context) error    { return nil }
func (e *Echo) UnsubscribeListChanges(ctx context.Context) error  { return nil }

// Failing always fails Initialize, for exercising the Mount Table's
// Failed-state path.
type Failing struct{}

func NewFailing() *Failing { return &Failing{} }

func (f *Failing) Initialize(ctx context.Context) (compositor.InitializeResult, error) {
	return compositor.InitializeResult{}, fmt.Errorf("deliberate init failure")
}
func (f *Failing) ListTools(ctx context.Context) ([]compositor.Tool, error) { return nil, nil }
func (f *Failing) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (compositor.ToolResult, error) {
	return compositor.ToolResult{}, fmt.Errorf("backend never initialized")
}
func (f *Failing) ListResources(ctx context.Context) ([]compositor.Resource, error) { return nil, nil }
func (f *Failing) ReadResource(ctx context.Context, uri string) ([]compositor.ContentPart, error) {
	return nil, fmt.Errorf("unknown resource %q", uri)
}
func (f *Failing) Subscribe(ctx context.Context, uri string) error   { return nil }
func (f *Failing) Unsubscribe(ctx context.Context, uri string) error { return nil }
func (f *Failing) SubscribeListChanges(ctx context.Context) error    { return nil }
func (f *Failing) UnsubscribeListChanges(ctx context.Context) error  { return nil }

// AlwaysAllow is a PolicyEvaluator that always returns DecisionAllow.
type AlwaysAllow struct{}

func (AlwaysAllow) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	return compositor.PolicyResponse{Decision: compositor.DecisionAllow}, nil
}

// AlwaysAsk is a PolicyEvaluator that always returns DecisionAsk.
type AlwaysAsk struct{}

func (AlwaysAsk) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	return compositor.PolicyResponse{Decision: compositor.DecisionAsk, Rationale: "needs human approval"}, nil
}

// AlwaysDenyAbort is a PolicyEvaluator that always returns DecisionDenyAbort.
type AlwaysDenyAbort struct{}

func (AlwaysDenyAbort) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	return compositor.PolicyResponse{Decision: compositor.DecisionDenyAbort, Rationale: "blocked by policy"}, nil
}

// HangingEvaluator never returns until ctx is cancelled, for exercising
// the gateway's evaluator-timeout path.
type HangingEvaluator struct{}

func (HangingEvaluator) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	<-ctx.Done()
	return compositor.PolicyResponse{}, ctx.Err()
}

// PanicEvaluator always panics, for exercising the gateway's panic
// isolation.
type PanicEvaluator struct{}

func (PanicEvaluator) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	panic("evaluator exploded")
}
