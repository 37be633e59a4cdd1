package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// inflight tracks claimed record IDs for the embedded backends. Holding mu
// while scanning for a claim makes the claim atomic; reconcile waits on cond
// for a held record so a worker's Persist is never interleaved with a
// metadata change.
type inflight struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[int64]struct{}
}

func newInflight() *inflight {
	f := &inflight{held: make(map[int64]struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// isHeld must be called with mu held.
func (f *inflight) isHeld(id int64) bool {
	_, ok := f.held[id]
	return ok
}

// waitFree blocks until id is not claimed or ctx is done. Must be called
// with mu held; mu is held again on return.
func (f *inflight) waitFree(ctx context.Context, id int64) error {
	if !f.isHeld(id) {
		return nil
	}

	// Wake the waiter when ctx ends. Broadcasting under mu means the signal
	// cannot land between the ctx check and cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	for f.isHeld(id) {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

func (f *inflight) release(id int64) {
	f.mu.Lock()
	delete(f.held, id)
	f.mu.Unlock()
	f.cond.Broadcast()
}

// recordWriter is the per-backend write path used by localClaim.
type recordWriter interface {
	writeRecord(ctx context.Context, rec *Record) error
	markDeleted(ctx context.Context, id int64) error
}

// localClaim is the Claim used by the memory and bolt backends.
type localClaim struct {
	rec      *Record
	w        recordWriter
	flight   *inflight
	released atomic.Bool
}

func (c *localClaim) Record() *Record { return c.rec }

func (c *localClaim) Persist(ctx context.Context, rec *Record) error {
	if c.released.Load() {
		return ErrClaimReleased
	}
	if rec.ID != c.rec.ID {
		return fmt.Errorf("persist %q: record %d is not claimed", rec.Name, rec.ID)
	}
	return c.w.writeRecord(ctx, rec)
}

func (c *localClaim) MarkDeleted(ctx context.Context) error {
	if c.released.Load() {
		return ErrClaimReleased
	}
	if err := c.w.markDeleted(ctx, c.rec.ID); err != nil {
		return err
	}
	c.rec.Deleted = true
	return nil
}

func (c *localClaim) Release(ctx context.Context) error {
	if c.released.CompareAndSwap(false, true) {
		c.flight.release(c.rec.ID)
	}
	return nil
}
