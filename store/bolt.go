package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	recordsBucket  = []byte("records")
	sequenceBucket = []byte("sequence")
	markerBucket   = []byte("marker")

	markerKey = []byte("marker")
)

// BoltStore is a Store implementation backed by bbolt.
//
// bbolt takes an exclusive file lock on open, so a single process owns the
// database. Claims are tracked in memory and vanish with the process.
type BoltStore struct {
	db     *bbolt.DB
	flight *inflight
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt store requires a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, sequenceBucket, markerBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, flight: newInflight()}, nil
}

// Reconcile inserts or merges an observation.
func (s *BoltStore) Reconcile(ctx context.Context, obs Observation) (*Record, error) {
	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	existing, err := s.get(obs.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		var rec *Record
		err = s.db.Update(func(tx *bbolt.Tx) error {
			id, err := tx.Bucket(recordsBucket).NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate record id: %w", err)
			}
			rec = newRecord(int64(id), obs)
			if err := tx.Bucket(sequenceBucket).Put(itob(rec.ID), []byte(rec.Name)); err != nil {
				return fmt.Errorf("failed to index record: %w", err)
			}
			return putRecord(tx, rec)
		})
		if err != nil {
			return nil, err
		}
		return rec, nil
	case err != nil:
		return nil, err
	}

	if err := s.flight.waitFree(ctx, existing.ID); err != nil {
		return nil, fmt.Errorf("waiting for claim on %s: %w", obs.Name, err)
	}

	// Re-read: the claim holder may have persisted while we waited.
	existing, err = s.get(obs.Name)
	if err != nil {
		return nil, err
	}
	if !reconcile(existing, obs) {
		return existing, nil
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx, existing)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// ClaimNext claims the next eligible record after the given ID.
func (s *BoltStore) ClaimNext(ctx context.Context, after int64) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.flight.mu.Lock()
	defer s.flight.mu.Unlock()

	var claimed *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		c := tx.Bucket(sequenceBucket).Cursor()
		for k, name := c.Seek(itob(after + 1)); k != nil; k, name = c.Next() {
			id := btoi(k)
			if s.flight.isHeld(id) {
				continue
			}
			rec, err := decodeRecord(records.Get(name))
			if err != nil {
				return err
			}
			if rec.Eligible() {
				claimed = rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrNoEligible
	}

	s.flight.held[claimed.ID] = struct{}{}
	return &localClaim{rec: claimed, w: s, flight: s.flight}, nil
}

// Get retrieves a record from the state store.
func (s *BoltStore) Get(ctx context.Context, name string) (*Record, error) {
	return s.get(name)
}

func (s *BoltStore) get(name string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Stats walks every record.
func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.Marker = string(tx.Bucket(markerBucket).Get(markerKey))
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			st.add(rec)
			return nil
		})
	})
	return st, err
}

func (s *BoltStore) Marker(ctx context.Context) (string, error) {
	var marker string
	err := s.db.View(func(tx *bbolt.Tx) error {
		marker = string(tx.Bucket(markerBucket).Get(markerKey))
		return nil
	})
	return marker, err
}

func (s *BoltStore) SetMarker(ctx context.Context, marker string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(markerBucket)
		if err := checkMarker(string(b.Get(markerKey)), marker); err != nil {
			return err
		}
		if marker == "" {
			return b.Delete(markerKey)
		}
		return b.Put(markerKey, []byte(marker))
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) writeRecord(ctx context.Context, rec *Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		name := tx.Bucket(sequenceBucket).Get(itob(rec.ID))
		if name == nil || string(name) != rec.Name {
			return ErrNotFound
		}
		return putRecord(tx, rec)
	})
}

func (s *BoltStore) markDeleted(ctx context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		name := tx.Bucket(sequenceBucket).Get(itob(id))
		if name == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(tx.Bucket(recordsBucket).Get(name))
		if err != nil {
			return err
		}
		rec.Deleted = true
		return putRecord(tx, rec)
	})
}

func putRecord(tx *bbolt.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := tx.Bucket(recordsBucket).Put([]byte(rec.Name), data); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*Record, error) {
	if data == nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
