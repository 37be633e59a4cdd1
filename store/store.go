package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a name.
	ErrNotFound = errors.New("record not found")

	// ErrNoEligible is returned by ClaimNext when nothing is left to claim.
	ErrNoEligible = errors.New("no eligible records")

	// ErrProtocolViolation is returned when the listing marker would be set
	// to the value it already holds.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrClaimReleased is returned when a released claim is used again.
	ErrClaimReleased = errors.New("claim already released")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBolt     Backend = "bolt"
	BackendPostgres Backend = "postgres"
)

// Store is the durable record table plus the listing marker. It is the
// only state shared between the lister and the transfer workers.
type Store interface {
	// Reconcile inserts a record for a newly observed object or merges the
	// observation into the existing one.
	Reconcile(ctx context.Context, obs Observation) (*Record, error)

	// ClaimNext exclusively claims the eligible record with the lowest ID
	// greater than after. Records claimed by other callers are skipped,
	// never waited on. It returns ErrNoEligible when nothing is left.
	ClaimNext(ctx context.Context, after int64) (Claim, error)

	// Get returns the record stored under name.
	Get(ctx context.Context, name string) (*Record, error)

	// Stats returns aggregate counts and the current marker.
	Stats(ctx context.Context) (Stats, error)

	// Marker returns the stored listing marker, or "" when absent.
	Marker(ctx context.Context) (string, error)

	// SetMarker stores the listing marker. An empty marker clears it.
	// Setting the value already stored fails with ErrProtocolViolation.
	SetMarker(ctx context.Context, marker string) error

	Close() error
}

// Claim is exclusive ownership of one record. No other ClaimNext call can
// return the record until Release is called or the owner goes away.
type Claim interface {
	// Record returns the claimed record. Callers mutate it and Persist it.
	Record() *Record

	// Persist writes every field of rec back to storage.
	Persist(ctx context.Context, rec *Record) error

	// MarkDeleted flags the record as gone from the source without touching
	// any other field.
	MarkDeleted(ctx context.Context) error

	// Release commits the claim and makes the record claimable again if it
	// is still eligible. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Open constructs the Store for backend. dsn is a file path for bolt and a
// connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, backend Backend, dsn string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt:
		return NewBoltStore(dsn)
	case BackendPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// checkMarker enforces the marker protocol against the stored value.
func checkMarker(current, next string) error {
	if next != "" && next == current {
		return fmt.Errorf("%w: marker %q repeated", ErrProtocolViolation, next)
	}
	return nil
}
