package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("reconcile creates new record", func(t *testing.T) {
		s := open(t)
		rec, err := s.Reconcile(ctx, Observation{Name: "my_blob", Checksum: "M6pHyAZoSEjBLvuY8pdXTw==", Length: 11})
		require.NoError(t, err)

		assert.NotZero(t, rec.ID)
		assert.Equal(t, "my_blob", rec.Name)
		assert.Equal(t, "M6pHyAZoSEjBLvuY8pdXTw==", rec.SourceChecksum)
		assert.Equal(t, int64(11), rec.SourceLength)
		assert.False(t, rec.Transferred)
		assert.False(t, rec.ValidationFailed)
		assert.False(t, rec.Deleted)
		assert.Empty(t, rec.LocalChecksum)
		assert.Equal(t, ValidationNone, rec.Validation)
		assert.True(t, rec.Eligible())
	})

	t.Run("reconcile is idempotent", func(t *testing.T) {
		s := open(t)
		obs := Observation{Name: "a", Checksum: "sum", Length: 3}
		first, err := s.Reconcile(ctx, obs)
		require.NoError(t, err)
		second, err := s.Reconcile(ctx, obs)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		stored, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, first, stored)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Total)
	})

	t.Run("unchanged transferred record stays transferred", func(t *testing.T) {
		s := open(t)
		obs := Observation{Name: "a", Checksum: "sum", Length: 3}
		transfer(t, s, obs, ValidationChecksum)

		rec, err := s.Reconcile(ctx, obs)
		require.NoError(t, err)
		assert.True(t, rec.Transferred)
		assert.Equal(t, ValidationChecksum, rec.Validation)
		assert.Equal(t, "local", rec.LocalChecksum)
	})

	t.Run("changed transferred record is reset", func(t *testing.T) {
		for _, next := range []Observation{
			{Name: "a", Checksum: "other", Length: 3},
			{Name: "a", Checksum: "sum", Length: 12},
			{Name: "a", Checksum: "", Length: 12},
		} {
			t.Run(fmt.Sprintf("%s/%d", next.Checksum, next.Length), func(t *testing.T) {
				s := open(t)
				transfer(t, s, Observation{Name: "a", Checksum: "sum", Length: 3}, ValidationChecksum)

				rec, err := s.Reconcile(ctx, next)
				require.NoError(t, err)
				assert.False(t, rec.Transferred)
				assert.Equal(t, ValidationNone, rec.Validation)
				assert.Empty(t, rec.LocalChecksum)
				assert.False(t, rec.Deleted)
				assert.Equal(t, next.Checksum, rec.SourceChecksum)
				assert.Equal(t, next.Length, rec.SourceLength)
				assert.True(t, rec.Eligible())
			})
		}
	})

	t.Run("changed metadata clears validation failure", func(t *testing.T) {
		s := open(t)
		_, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "bad", Length: 3})
		require.NoError(t, err)

		claim, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		rec := claim.Record()
		rec.LocalChecksum = "local"
		rec.ValidationFailed = true
		require.NoError(t, claim.Persist(ctx, rec))
		require.NoError(t, claim.Release(ctx))

		_, err = s.ClaimNext(ctx, 0)
		assert.ErrorIs(t, err, ErrNoEligible)

		same, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "bad", Length: 3})
		require.NoError(t, err)
		assert.True(t, same.ValidationFailed)

		changed, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "good", Length: 3})
		require.NoError(t, err)
		assert.False(t, changed.ValidationFailed)
		assert.Empty(t, changed.LocalChecksum)
		assert.True(t, changed.Eligible())
	})

	t.Run("changed pending record drops stale validation", func(t *testing.T) {
		s := open(t)
		_, err := s.Reconcile(ctx, Observation{Name: "a", Checksum: "sum", Length: 3})
		require.NoError(t, err)

		// Validated, but the destination write was deferred.
		claim, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		rec := claim.Record()
		rec.LocalChecksum = "sum"
		rec.Validation = ValidationChecksum
		require.NoError(t, claim.Persist(ctx, rec))
		require.NoError(t, claim.Release(ctx))

		rec, err = s.Reconcile(ctx, Observation{Name: "a", Checksum: "new", Length: 4})
		require.NoError(t, err)
		assert.Equal(t, "new", rec.SourceChecksum)
		assert.Equal(t, int64(4), rec.SourceLength)
		assert.Equal(t, ValidationNone, rec.Validation)
		assert.Empty(t, rec.LocalChecksum)
		assert.True(t, rec.Eligible())

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.ValidatedChecksum)
	})

	t.Run("mark deleted excludes record until observed again", func(t *testing.T) {
		s := open(t)
		obs := Observation{Name: "gone", Checksum: "sum", Length: 3}
		_, err := s.Reconcile(ctx, obs)
		require.NoError(t, err)

		claim, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, claim.MarkDeleted(ctx))
		require.NoError(t, claim.Release(ctx))

		rec, err := s.Get(ctx, "gone")
		require.NoError(t, err)
		assert.True(t, rec.Deleted)
		assert.False(t, rec.Transferred)
		assert.Equal(t, "sum", rec.SourceChecksum)

		_, err = s.ClaimNext(ctx, 0)
		assert.ErrorIs(t, err, ErrNoEligible)

		rec, err = s.Reconcile(ctx, obs)
		require.NoError(t, err)
		assert.False(t, rec.Deleted)
		assert.True(t, rec.Eligible())
	})

	t.Run("claims sweep in creation order", func(t *testing.T) {
		s := open(t)
		for _, name := range []string{"c", "a", "b"} {
			_, err := s.Reconcile(ctx, Observation{Name: name, Length: 1})
			require.NoError(t, err)
		}

		var order []string
		var after int64
		for {
			claim, err := s.ClaimNext(ctx, after)
			if errors.Is(err, ErrNoEligible) {
				break
			}
			require.NoError(t, err)
			order = append(order, claim.Record().Name)
			after = claim.Record().ID
			require.NoError(t, claim.Release(ctx))
		}
		assert.Equal(t, []string{"c", "a", "b"}, order)
	})

	t.Run("claimed record is skipped by other claimers", func(t *testing.T) {
		s := open(t)
		for _, name := range []string{"a", "b"} {
			_, err := s.Reconcile(ctx, Observation{Name: name, Length: 1})
			require.NoError(t, err)
		}

		first, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		second, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		assert.NotEqual(t, first.Record().Name, second.Record().Name)

		_, err = s.ClaimNext(ctx, 0)
		assert.ErrorIs(t, err, ErrNoEligible)

		require.NoError(t, first.Release(ctx))
		again, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, first.Record().Name, again.Record().Name)
		require.NoError(t, again.Release(ctx))
		require.NoError(t, second.Release(ctx))
	})

	t.Run("released claim rejects writes", func(t *testing.T) {
		s := open(t)
		_, err := s.Reconcile(ctx, Observation{Name: "a", Length: 1})
		require.NoError(t, err)

		claim, err := s.ClaimNext(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, claim.Release(ctx))
		require.NoError(t, claim.Release(ctx))
		assert.ErrorIs(t, claim.Persist(ctx, claim.Record()), ErrClaimReleased)
	})

	t.Run("concurrent claimers never share a record", func(t *testing.T) {
		s := open(t)
		const records = 60
		const workers = 8
		for i := 0; i < records; i++ {
			_, err := s.Reconcile(ctx, Observation{Name: fmt.Sprintf("obj-%03d", i), Length: 1})
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var after int64
				for {
					claim, err := s.ClaimNext(ctx, after)
					if errors.Is(err, ErrNoEligible) {
						return
					}
					if !assert.NoError(t, err) {
						return
					}
					rec := claim.Record()
					after = rec.ID
					mu.Lock()
					seen[rec.Name]++
					mu.Unlock()

					rec.Validation = ValidationLength
					rec.Transferred = true
					assert.NoError(t, claim.Persist(ctx, rec))
					assert.NoError(t, claim.Release(ctx))
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, records)
		for name, n := range seen {
			assert.Equal(t, 1, n, "record %s claimed %d times", name, n)
		}
	})

	t.Run("stats", func(t *testing.T) {
		s := open(t)
		transfer(t, s, Observation{Name: "by-sum", Checksum: "x", Length: 1}, ValidationChecksum)
		transfer(t, s, Observation{Name: "by-len", Length: 1}, ValidationLength)
		_, err := s.Reconcile(ctx, Observation{Name: "pending", Length: 1})
		require.NoError(t, err)
		require.NoError(t, s.SetMarker(ctx, "page-2"))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{
			Total:             3,
			Transferred:       2,
			ValidatedChecksum: 1,
			ValidatedLength:   1,
			Pending:           1,
			Marker:            "page-2",
		}, st)
	})

	t.Run("marker protocol", func(t *testing.T) {
		s := open(t)
		m, err := s.Marker(ctx)
		require.NoError(t, err)
		assert.Empty(t, m)

		require.NoError(t, s.SetMarker(ctx, ""))
		require.NoError(t, s.SetMarker(ctx, "abc"))
		m, err = s.Marker(ctx)
		require.NoError(t, err)
		assert.Equal(t, "abc", m)

		err = s.SetMarker(ctx, "abc")
		assert.ErrorIs(t, err, ErrProtocolViolation)

		require.NoError(t, s.SetMarker(ctx, "def"))
		require.NoError(t, s.SetMarker(ctx, ""))
		m, err = s.Marker(ctx)
		require.NoError(t, err)
		assert.Empty(t, m)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// transfer drives obs through a successful claim so the record ends up
// transferred with the given validation.
func transfer(t *testing.T, s Store, obs Observation, v Validation) {
	t.Helper()
	ctx := context.Background()

	rec, err := s.Reconcile(ctx, obs)
	require.NoError(t, err)

	claim, err := s.ClaimNext(ctx, rec.ID-1)
	require.NoError(t, err)
	require.Equal(t, obs.Name, claim.Record().Name)

	claimed := claim.Record()
	claimed.LocalChecksum = "local"
	claimed.Validation = v
	claimed.Transferred = true
	require.NoError(t, claim.Persist(ctx, claimed))
	require.NoError(t, claim.Release(ctx))
}
