package compositor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyDecision is PolicyResponse's discriminated decision tag.
type PolicyDecision string

const (
	DecisionAllow        PolicyDecision = "allow"
	DecisionAsk          PolicyDecision = "ask"
	DecisionDenyContinue PolicyDecision = "deny_continue"
	DecisionDenyAbort    PolicyDecision = "deny_abort"
)

// PolicyRequest is constructed from the fully-qualified tool name and its
// JSON-encoded arguments.
type PolicyRequest struct {
	Name          string
	ArgumentsJSON json.RawMessage
}

// PolicyResponse is the evaluator's verdict.
type PolicyResponse struct {
	Decision  PolicyDecision
	Rationale string
}

// PolicyEvaluator is the injected collaborator that decides every tool
// call. It must be total: any error return is treated as
// DenyAbort with the canonical message, exactly like a panic recovered by
// the gateway.
type PolicyEvaluator interface {
	Decide(ctx context.Context, req PolicyRequest) (PolicyResponse, error)
}

// PolicyError is the stable, machine-readable error the gateway returns
// for every non-Allow-success outcome.
type PolicyError struct {
	Kind      PolicyErrorKind
	Rationale string
	// Abort reports whether the caller's outer agent turn must terminate
	// (DenyAbort, PolicyEvaluatorError) as opposed to merely failing this
	// one call (DenyContinue).
	Abort bool
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Rationale)
}

// Gateway is the Policy Gateway Middleware, interposing on every tool
// call crossing the Compositor boundary.
type Gateway struct {
	logger      *slog.Logger
	evaluator   PolicyEvaluator
	approvals   *ApprovalManager
	timeout     time.Duration
	metrics     *Metrics
	tracer      trace.Tracer
	persistence PersistenceHook
}

// GatewayConfig configures the Gateway's evaluator timeout.
type GatewayConfig struct {
	// EvaluatorTimeout bounds PolicyEvaluator.Decide; zero selects a 5s
	// default.
	EvaluatorTimeout time.Duration
}

// NewGateway constructs a Gateway around evaluator. A nil persistence
// defaults to NoopPersistence: the gateway neither reads this store on
// startup nor depends on its availability for liveness.
func NewGateway(evaluator PolicyEvaluator, approvals *ApprovalManager, cfg GatewayConfig, metrics *Metrics, persistence PersistenceHook, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if persistence == nil {
		persistence = NoopPersistence{}
	}
	timeout := cfg.EvaluatorTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		logger:      logger.With("component", "policy_gateway"),
		evaluator:   evaluator,
		approvals:   approvals,
		timeout:     timeout,
		metrics:     metrics,
		tracer:      otel.Tracer("compositor/gateway"),
		persistence: persistence,
	}
}

// backendCaller is the shape of the call the gateway invokes once a
// decision of Allow (direct or post-approval) is reached.
type backendCaller func(ctx context.Context) (ToolResult, error)

// Call runs req through the gateway's full decision flow and, if allowed,
// invokes call to reach the backend. The returned error is nil for every
// Allow-success and Allow-backend-error outcome (those are carried in
// ToolResult.IsError); it is a non-nil *PolicyError for DenyContinue,
// DenyAbort, PolicyEvaluatorError and BackendReservedMisuse, an error
// wrapping ErrApprovalCancelled for a cancelled approval wait, and the
// backend's own error, passed through unchanged, when the backend call
// itself fails (a transport failure, not a policy outcome), so exactly
// one of those outcomes is always observed by the caller.
func (g *Gateway) Call(ctx context.Context, prefix string, req PolicyRequest, call backendCaller) (ToolResult, error) {
	ctx, span := g.tracer.Start(ctx, "compositor.gateway.call",
		trace.WithAttributes(attribute.String("tool.name", req.Name), attribute.String("mount.prefix", prefix)))
	defer span.End()

	start := time.Now()
	resp, err := g.decide(ctx, req)
	decisionLabel := string(resp.Decision)
	if err != nil {
		decisionLabel = "evaluator_error"
	}
	if g.metrics != nil {
		g.metrics.ToolCallLatency.WithLabelValues(prefix, decisionLabel).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		g.logger.Error("policy evaluator failed", "tool", req.Name, "error", err)
		return ToolResult{}, &PolicyError{Kind: PolicyEvaluatorError, Rationale: PolicyEvaluatorErrorMsg, Abort: true}
	}

	switch resp.Decision {
	case DecisionAllow:
		return g.allow(ctx, prefix, req.Name, call)
	case DecisionAsk:
		return g.ask(ctx, prefix, req, resp, call)
	case DecisionDenyContinue:
		return ToolResult{}, &PolicyError{Kind: PolicyDeniedContinue, Rationale: resp.Rationale, Abort: false}
	case DecisionDenyAbort:
		return ToolResult{}, &PolicyError{Kind: PolicyDeniedAbort, Rationale: resp.Rationale, Abort: true}
	default:
		return ToolResult{}, &PolicyError{Kind: PolicyEvaluatorError, Rationale: PolicyEvaluatorErrorMsg, Abort: true}
	}
}

// decide invokes the evaluator under a timeout, treating a panic the same
// as a returned error (both become the DenyAbort/evaluator-error path).
func (g *Gateway) decide(ctx context.Context, req PolicyRequest) (resp PolicyResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		resp PolicyResponse
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("policy evaluator panicked: %v", r)}
			}
		}()
		resp, err := g.evaluator.Decide(ctx, req)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		return PolicyResponse{}, fmt.Errorf("policy evaluator timed out after %v", g.timeout)
	}
}

// allow forwards to the backend and applies the reserved-error-code
// remap, so a misbehaving backend cannot impersonate a gateway denial.
func (g *Gateway) allow(ctx context.Context, prefix, fqName string, call backendCaller) (ToolResult, error) {
	result, err := call(ctx)
	if err != nil {
		return ToolResult{}, err // backend transport failure (BackendDied class); not a policy error
	}
	if result.IsError && result.ErrorCode == ReservedGatewayErrorCode {
		g.logger.Warn("backend returned reserved gateway error code, remapping", "prefix", prefix)
		return ToolResult{}, &PolicyError{Kind: BackendReservedMisuse, Rationale: "backend attempted to impersonate a gateway denial", Abort: false}
	}
	safePersist(g.logger, "tool_call_completed", func() { g.persistence.ToolCallCompleted(ctx, fqName, result) })
	return result, nil
}

// ask creates an ApprovalRecord, awaits its resolution, and applies the
// outcome.
func (g *Gateway) ask(ctx context.Context, prefix string, req PolicyRequest, resp PolicyResponse, call backendCaller) (ToolResult, error) {
	rec := g.approvals.Create(req)
	if g.metrics != nil {
		g.metrics.ApprovalsPending.Inc()
		defer g.metrics.ApprovalsPending.Dec()
	}
	g.logger.Info("approval requested", "call_id", rec.CallID, "tool", req.Name)
	safePersist(g.logger, "approval_requested", func() { g.persistence.ApprovalRequested(ctx, *rec) })

	outcome, err := g.approvals.Await(ctx, rec)
	safePersist(g.logger, "approval_resolved", func() { g.persistence.ApprovalResolved(ctx, rec.CallID, outcome) })
	if err != nil {
		return ToolResult{}, err // wraps ErrApprovalCancelled
	}

	switch outcome {
	case ApprovalApprove:
		return g.allow(ctx, prefix, req.Name, call)
	case ApprovalDenyContinue:
		return ToolResult{}, &PolicyError{Kind: PolicyDeniedContinue, Rationale: resp.Rationale, Abort: false}
	case ApprovalDenyAbort:
		return ToolResult{}, &PolicyError{Kind: PolicyDeniedAbort, Rationale: resp.Rationale, Abort: true}
	case ApprovalCancelledOutcome:
		return ToolResult{}, fmt.Errorf("%w: call %s", ErrApprovalCancelled, rec.CallID)
	default:
		return ToolResult{}, &PolicyError{Kind: PolicyEvaluatorError, Rationale: PolicyEvaluatorErrorMsg, Abort: true}
	}
}
