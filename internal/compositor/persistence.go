package compositor

import (
	"context"
	"log/slog"
)

// PersistenceHook is the async interface through which approvals, events,
// and proposals are persisted by an external collaborator at defined hook
// points. The core neither reads this store on startup nor depends on its
// availability for liveness: a hook error is logged and swallowed, never
// propagated to the caller. A fire-and-forget recording interface the
// agent runtime calls at turn boundaries, never awaited for correctness.
type PersistenceHook interface {
	ApprovalRequested(ctx context.Context, rec ApprovalRecord)
	ApprovalResolved(ctx context.Context, callID string, outcome ApprovalOutcome)
	ToolCallCompleted(ctx context.Context, fqName string, result ToolResult)
	TurnBoundary(ctx context.Context)
}

// NoopPersistence is the reference PersistenceHook used when no external
// collaborator is injected: every hook point is a no-op.
type NoopPersistence struct{}

func (NoopPersistence) ApprovalRequested(ctx context.Context, rec ApprovalRecord)                     {}
func (NoopPersistence) ApprovalResolved(ctx context.Context, callID string, outcome ApprovalOutcome) {}
func (NoopPersistence) ToolCallCompleted(ctx context.Context, fqName string, result ToolResult)      {}
func (NoopPersistence) TurnBoundary(ctx context.Context)                                              {}

// safePersist invokes fn and recovers/logs any panic, so that a faulty
// PersistenceHook implementation can never bring down a tool call or
// approval flow. Errors are not part of the PersistenceHook contract
// (hooks are fire-and-forget); a panic is the only failure mode the core
// must guard against.
func safePersist(logger *slog.Logger, point string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("persistence hook panicked", "hook_point", point, "panic", r)
		}
	}()
	fn()
}
