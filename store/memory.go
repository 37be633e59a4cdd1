package store

import (
	"context"
	"fmt"
	"sort"
)

// MemoryStore keeps records in process memory. It is safe for concurrent
// use within one process and loses everything on exit.
type MemoryStore struct {
	flight *inflight
	byName map[string]*Record
	byID   []*Record
	nextID int64
	marker string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flight: newInflight(),
		byName: make(map[string]*Record),
	}
}

// Reconcile inserts obs as a new record or merges it into the existing one.
// A claimed record is merged only after its claim is released.
func (s *MemoryStore) Reconcile(ctx context.Context, obs Observation) (*Record, error) {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	existing, ok := s.byName[obs.Name]
	if !ok {
		s.nextID++
		rec := newRecord(s.nextID, obs)
		s.byName[obs.Name] = rec
		s.byID = append(s.byID, rec)
		cp := *rec
		return &cp, nil
	}

	if err := s.flight.waitFree(ctx, existing.ID); err != nil {
		return nil, fmt.Errorf("waiting for claim on %s: %w", obs.Name, err)
	}
	reconcile(existing, obs)
	cp := *existing
	return &cp, nil
}

// ClaimNext claims the lowest eligible, unclaimed record with an ID above
// after. It returns ErrNoEligible when there is none.
func (s *MemoryStore) ClaimNext(ctx context.Context, after int64) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	start := sort.Search(len(s.byID), func(i int) bool { return s.byID[i].ID > after })
	for _, rec := range s.byID[start:] {
		if !rec.Eligible() || s.flight.isHeld(rec.ID) {
			continue
		}
		s.flight.held[rec.ID] = struct{}{}
		cp := *rec
		return &localClaim{rec: &cp, w: s, flight: s.flight}, nil
	}
	return nil, ErrNoEligible
}

// Get returns a copy of the named record, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, name string) (*Record, error) {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	rec, ok := s.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Stats counts every record.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	var st Stats
	for _, rec := range s.byID {
		st.add(rec)
	}
	st.Marker = s.marker
	return st, nil
}

// Marker returns the saved listing marker.
func (s *MemoryStore) Marker(ctx context.Context) (string, error) {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()
	return s.marker, nil
}

// SetMarker saves the listing marker. Saving the current non-empty marker
// again is an ErrProtocolViolation.
func (s *MemoryStore) SetMarker(ctx context.Context, marker string) error {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	if err := checkMarker(s.marker, marker); err != nil {
		return err
	}
	s.marker = marker
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) writeRecord(ctx context.Context, rec *Record) error {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	existing, ok := s.byName[rec.Name]
	if !ok || existing.ID != rec.ID {
		return ErrNotFound
	}
	*existing = *rec
	return nil
}

func (s *MemoryStore) markDeleted(ctx context.Context, id int64) error {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	i := sort.Search(len(s.byID), func(i int) bool { return s.byID[i].ID >= id })
	if i == len(s.byID) || s.byID[i].ID != id {
		return ErrNotFound
	}
	s.byID[i].Deleted = true
	return nil
}
