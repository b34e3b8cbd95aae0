package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SubscriptionKind tags whether a SubscriptionRecord tracks a single
// resource's updates or a mount's list-change feed.
type SubscriptionKind int

const (
	SubKindResource SubscriptionKind = iota
	SubKindListChange
)

type subscriptionKey struct {
	kind   SubscriptionKind
	prefix string
	uri    string // empty for SubKindListChange
}

// SubscriptionRecord is the authoritative record of one subscription.
type SubscriptionRecord struct {
	Kind    SubscriptionKind
	Prefix  string
	URI     string
	Pinned  bool
	Present bool
	Active  bool
	LastError string
}

// SubscriptionsIndex is the authoritative, non-reconciling record of
// per-resource and per-mount list-change subscriptions. It consults the
// Mount Table only to check mount presence and reach a
// backend; it never proactively reconciles against what the backend
// believes it has subscribed to.
type SubscriptionsIndex struct {
	logger *slog.Logger
	mounts *MountTable

	mu      sync.Mutex
	records map[subscriptionKey]*SubscriptionRecord
}

// NewSubscriptionsIndex constructs an index bound to mounts, from which it
// looks up backends to issue upstream (un)subscribe calls.
func NewSubscriptionsIndex(mounts *MountTable, logger *slog.Logger) *SubscriptionsIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionsIndex{
		logger:  logger.With("component", "subscriptions_index"),
		mounts:  mounts,
		records: make(map[subscriptionKey]*SubscriptionRecord),
	}
}

func (s *SubscriptionsIndex) getOrCreate(key subscriptionKey) *SubscriptionRecord {
	rec, ok := s.records[key]
	if !ok {
		rec = &SubscriptionRecord{Kind: key.kind, Prefix: key.prefix, URI: key.uri}
		s.records[key] = rec
	}
	return rec
}

// Subscribe inserts/updates a resource subscription record and issues the
// upstream subscribe call. Idempotent.
func (s *SubscriptionsIndex) Subscribe(ctx context.Context, prefix, uri string, pinned bool) error {
	key := subscriptionKey{kind: SubKindResource, prefix: prefix, uri: uri}

	s.mu.Lock()
	rec := s.getOrCreate(key)
	rec.Pinned = rec.Pinned || pinned
	entry, present := s.mounts.Get(prefix)
	rec.Present = present
	s.mu.Unlock()

	if !present {
		s.mu.Lock()
		rec.Active = false
		rec.LastError = fmt.Sprintf("%v: %q", ErrUnknownPrefix, prefix)
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}

	err := entry.Backend.Subscribe(ctx, uri)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		rec.Active = false
		rec.LastError = err.Error()
		return err
	}
	rec.Active = true
	rec.LastError = ""
	return nil
}

// Unsubscribe issues the upstream unsubscribe call and drops the record
// unless it is pinned.
func (s *SubscriptionsIndex) Unsubscribe(ctx context.Context, prefix, uri string) error {
	key := subscriptionKey{kind: SubKindResource, prefix: prefix, uri: uri}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	entry, present := s.mounts.Get(prefix)
	s.mu.Unlock()

	var callErr error
	if present {
		callErr = entry.Backend.Unsubscribe(ctx, uri)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if callErr != nil {
		rec.LastError = callErr.Error()
		return callErr
	}
	if rec.Pinned {
		rec.Active = false
		rec.LastError = ""
		return nil
	}
	delete(s.records, key)
	return nil
}

// SubscribeListChanges is the list-change-feed analog of Subscribe.
func (s *SubscriptionsIndex) SubscribeListChanges(ctx context.Context, prefix string, pinned bool) error {
	key := subscriptionKey{kind: SubKindListChange, prefix: prefix}

	s.mu.Lock()
	rec := s.getOrCreate(key)
	rec.Pinned = rec.Pinned || pinned
	entry, present := s.mounts.Get(prefix)
	rec.Present = present
	s.mu.Unlock()

	if !present {
		s.mu.Lock()
		rec.Active = false
		rec.LastError = fmt.Sprintf("%v: %q", ErrUnknownPrefix, prefix)
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}

	err := entry.Backend.SubscribeListChanges(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		rec.Active = false
		rec.LastError = err.Error()
		return err
	}
	rec.Active = true
	rec.LastError = ""
	return nil
}

// UnsubscribeListChanges is the list-change-feed analog of Unsubscribe.
func (s *SubscriptionsIndex) UnsubscribeListChanges(ctx context.Context, prefix string) error {
	key := subscriptionKey{kind: SubKindListChange, prefix: prefix}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	entry, present := s.mounts.Get(prefix)
	s.mu.Unlock()

	var callErr error
	if present {
		callErr = entry.Backend.UnsubscribeListChanges(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if callErr != nil {
		rec.LastError = callErr.Error()
		return callErr
	}
	if rec.Pinned {
		rec.Active = false
		rec.LastError = ""
		return nil
	}
	delete(s.records, key)
	return nil
}

// OnUnmounted implements the Unmounted(prefix) handling: for
// every record with this prefix, clear present/active; drop non-pinned
// records; never attempt an upstream unsubscribe since the backend is
// gone. Registered as a Mount Table listener.
func (s *SubscriptionsIndex) OnUnmounted(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if key.prefix != prefix {
			continue
		}
		if !rec.Pinned {
			delete(s.records, key)
			continue
		}
		rec.Present = false
		rec.Active = false
	}
}

// Snapshot returns a copy of every current record, for the meta surface.
func (s *SubscriptionsIndex) Snapshot() []SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriptionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}
