package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalOutcome is the resolution delivered to an ApprovalRecord's
// awaiter.
type ApprovalOutcome int

const (
	ApprovalApprove ApprovalOutcome = iota
	ApprovalDenyContinue
	ApprovalDenyAbort
	ApprovalCancelledOutcome
)

// ApprovalRecord tracks one pending Ask decision. The blocking-future
// mechanics use a result channel registered under a lock, delivered to
// with a non-blocking send so a
// late or duplicate resolve can never deadlock the resolver.
type ApprovalRecord struct {
	CallID    string
	Request   PolicyRequest
	CreatedAt time.Time

	resultCh chan ApprovalOutcome
}

// ApprovalManager owns every in-flight ApprovalRecord. Co-owned by the
// gateway (which awaits the future) and the Admin surface (which
// resolves it).
type ApprovalManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*ApprovalRecord
	resolved map[string]struct{} // call_ids resolved at least once, to distinguish NotFound from AlreadyResolved
}

// NewApprovalManager constructs an empty manager.
func NewApprovalManager(logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		logger:   logger.With("component", "approval_manager"),
		pending:  make(map[string]*ApprovalRecord),
		resolved: make(map[string]struct{}),
	}
}

// Create registers a new ApprovalRecord for req and returns it. The
// caller (gateway) then calls Await on it.
func (m *ApprovalManager) Create(req PolicyRequest) *ApprovalRecord {
	rec := &ApprovalRecord{
		CallID:    uuid.New().String(),
		Request:   req,
		CreatedAt: time.Now(),
		resultCh:  make(chan ApprovalOutcome, 1),
	}
	m.mu.Lock()
	m.pending[rec.CallID] = rec
	m.mu.Unlock()
	return rec
}

// Await blocks until rec is resolved or ctx is cancelled. On cancellation,
// the record is resolved internally with ApprovalCancelledOutcome and any
// subsequent Resolve call for the same call_id is a no-op AlreadyResolved.
func (m *ApprovalManager) Await(ctx context.Context, rec *ApprovalRecord) (ApprovalOutcome, error) {
	select {
	case outcome := <-rec.resultCh:
		return outcome, nil
	case <-ctx.Done():
		m.cancel(rec.CallID)
		return ApprovalCancelledOutcome, fmt.Errorf("%w: %v", ErrApprovalCancelled, ctx.Err())
	}
}

// cancel resolves call_id as Cancelled if it is still pending; otherwise
// it is a no-op (the caller already raced a real resolution).
func (m *ApprovalManager) cancel(callID string) {
	m.mu.Lock()
	rec, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
		m.resolved[callID] = struct{}{}
	}
	m.mu.Unlock()
	if ok {
		select {
		case rec.resultCh <- ApprovalCancelledOutcome:
		default:
		}
	}
}

// Resolve delivers outcome to call_id's awaiter. Exactly one resolution
// per call_id is ever delivered: an unknown call_id returns
// ErrApprovalNotFound; a call_id that was already resolved (including by
// cancellation) returns ErrApprovalAlreadyResolved.
func (m *ApprovalManager) Resolve(callID string, outcome ApprovalOutcome) error {
	m.mu.Lock()
	rec, ok := m.pending[callID]
	if !ok {
		_, wasResolved := m.resolved[callID]
		m.mu.Unlock()
		if wasResolved {
			return fmt.Errorf("%w: %q", ErrApprovalAlreadyResolved, callID)
		}
		return fmt.Errorf("%w: %q", ErrApprovalNotFound, callID)
	}
	delete(m.pending, callID)
	m.resolved[callID] = struct{}{}
	m.mu.Unlock()

	select {
	case rec.resultCh <- outcome:
	default:
	}
	return nil
}

// Pending returns a snapshot of every currently unresolved ApprovalRecord,
// observable by the Admin surface as an ApprovalRequested side-effect.
func (m *ApprovalManager) Pending() []ApprovalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ApprovalRecord, 0, len(m.pending))
	for _, rec := range m.pending {
		out = append(out, ApprovalRecord{CallID: rec.CallID, Request: rec.Request, CreatedAt: rec.CreatedAt})
	}
	return out
}

// CancelAll resolves every pending record as Cancelled, used during
// Compositor shutdown.
func (m *ApprovalManager) CancelAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Resolve(id, ApprovalCancelledOutcome)
	}
}
