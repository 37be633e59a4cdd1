package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestPostgresStore runs against a scratch database named by
// BLOBSHIFT_TEST_POSTGRES_DSN. Tables are truncated before each case.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BLOBSHIFT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BLOBSHIFT_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE records RESTART IDENTITY; TRUNCATE marker`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBoltStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	if _, err := store.Reconcile(ctx, Observation{Name: "blob-1", Checksum: "abc", Length: 10}); err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if err := store.SetMarker(ctx, "next-page"); err != nil {
		t.Fatalf("Failed to set marker: %v", err)
	}

	// Hold a claim across the close; it must not survive a reopen.
	if _, err := store.ClaimNext(ctx, 0); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close BoltStore: %v", err)
	}

	reopened, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen BoltStore: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Get(ctx, "blob-1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.SourceChecksum != "abc" || rec.SourceLength != 10 {
		t.Errorf("Unexpected record after reopen: %+v", rec)
	}

	marker, err := reopened.Marker(ctx)
	if err != nil {
		t.Fatalf("Failed to read marker: %v", err)
	}
	if marker != "next-page" {
		t.Errorf("Expected marker %q, got %q", "next-page", marker)
	}

	claim, err := reopened.ClaimNext(ctx, 0)
	if err != nil {
		t.Fatalf("Expected claim to be released by restart, got %v", err)
	}
	claim.Release(ctx)

	// New records continue the sequence.
	next, err := reopened.Reconcile(ctx, Observation{Name: "blob-2", Length: 1})
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if next.ID <= rec.ID {
		t.Errorf("Expected ID after %d, got %d", rec.ID, next.ID)
	}
}

func TestBoltStore_Close(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a record on closed store
	_, err = store.Get(context.Background(), "blob-1")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}

func TestMemoryStore_ReconcileWaitsForClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "old", Length: 1})
	require.NoError(t, err)

	claim, err := s.ClaimNext(ctx, 0)
	require.NoError(t, err)

	done := make(chan *Record)
	go func() {
		rec, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "new", Length: 2})
		assert.NoError(t, err)
		done <- rec
	}()

	select {
	case <-done:
		t.Fatal("reconcile completed while the record was claimed")
	case <-time.After(50 * time.Millisecond):
	}

	rec := claim.Record()
	rec.LocalChecksum = "old"
	rec.Validation = ValidationChecksum
	rec.Transferred = true
	require.NoError(t, claim.Persist(ctx, rec))
	require.NoError(t, claim.Release(ctx))

	got := <-done
	assert.False(t, got.Transferred, "change after transfer must reset the record")
	assert.Equal(t, "new", got.SourceChecksum)
}

func TestReconcile_WaitForClaimHonorsContext(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			_, err := s.Reconcile(context.Background(), Observation{Name: "a", Checksum: "old", Length: 1})
			require.NoError(t, err)

			claim, err := s.ClaimNext(context.Background(), 0)
			require.NoError(t, err)
			defer claim.Release(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				_, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "new", Length: 2})
				done <- err
			}()

			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			case <-time.After(2 * time.Second):
				t.Fatal("reconcile still blocked after its context expired")
			}

			// The held record was not touched.
			require.NoError(t, claim.Release(context.Background()))
			rec, err := s.Get(context.Background(), "a")
			require.NoError(t, err)
			assert.Equal(t, "old", rec.SourceChecksum)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, BackendBolt, filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Backend("sqlite"), "")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
