package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/blobshift/provider"
	"github.com/franksops/blobshift/store"
)

// Worker drains eligible records from the store. Each record is fetched
// from the source, validated against the listed metadata and, when valid,
// written to the destination.
type Worker struct {
	id      string
	store   store.Store
	src     provider.Source
	dst     provider.Destination
	tracker *Tracker
	logger  *zap.Logger
}

// NewWorker creates a Worker with a random identity.
func NewWorker(st store.Store, src provider.Source, dst provider.Destination, tracker *Tracker) *Worker {
	if tracker == nil {
		tracker = NewTracker(nil, nil)
	}
	id := uuid.NewString()
	return &Worker{
		id:      id,
		store:   st,
		src:     src,
		dst:     dst,
		tracker: tracker,
		logger:  tracker.logger.Named("worker").With(zap.String("worker", id)),
	}
}

// ID returns the worker identity used in logs and progress reports.
func (w *Worker) ID() string {
	return w.id
}

// Run sweeps the eligible records once in ascending ID order and returns
// nil when none is left. Records deferred by a transient failure stay
// eligible and are picked up by the next Run.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.sweep(ctx, nil)
	return err
}

// sweep is Run with an optional quit channel that stops the sweep between
// records. It returns the number of records claimed.
func (w *Worker) sweep(ctx context.Context, quit <-chan struct{}) (int, error) {
	var after int64
	claimed := 0

	for {
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case <-quit:
			return claimed, nil
		default:
		}

		claim, err := w.store.ClaimNext(ctx, after)
		if errors.Is(err, store.ErrNoEligible) {
			w.logger.Debug("no eligible records left", zap.Int("claimed", claimed))
			return claimed, nil
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim record: %w", err)
		}
		claimed++
		after = claim.Record().ID

		err = w.process(ctx, claim)
		// Release must run even when ctx is done so the claim is not held.
		if relErr := claim.Release(context.WithoutCancel(ctx)); relErr != nil && err == nil {
			err = fmt.Errorf("failed to release record %d: %w", after, relErr)
		}
		if err != nil {
			return claimed, err
		}
	}
}

// process handles one claimed record. Only failures that should stop the
// whole run are returned.
func (w *Worker) process(ctx context.Context, claim store.Claim) error {
	rec := claim.Record()
	w.tracker.Start(w.id, rec.Name)

	content, err := w.src.Fetch(ctx, rec.Name)
	switch {
	case provider.IsNotFound(err):
		if err := claim.MarkDeleted(ctx); err != nil {
			w.tracker.Done(w.id)
			return fmt.Errorf("failed to mark %s deleted: %w", rec.Name, err)
		}
		w.tracker.Report(Event{Worker: w.id, Name: rec.Name, Outcome: OutcomeDeleted})
		return nil
	case provider.IsTransient(err):
		w.tracker.Report(Event{Worker: w.id, Name: rec.Name, Outcome: OutcomeDeferred, Err: err})
		return nil
	case err != nil:
		w.tracker.Done(w.id)
		return fmt.Errorf("failed to fetch %s: %w", rec.Name, err)
	}

	fingerprint := Fingerprint(content)
	applyValidation(rec, fingerprint, Validate(rec, content, fingerprint))
	if err := claim.Persist(ctx, rec); err != nil {
		w.tracker.Done(w.id)
		return fmt.Errorf("failed to persist %s: %w", rec.Name, err)
	}

	if rec.ValidationFailed {
		w.logger.Debug("validation failed",
			zap.String("name", rec.Name),
			zap.String("source_checksum", rec.SourceChecksum),
			zap.String("local_checksum", rec.LocalChecksum),
			zap.Int64("source_length", rec.SourceLength),
			zap.Int("length", len(content)),
		)
		w.tracker.Report(Event{Worker: w.id, Name: rec.Name, Outcome: OutcomeValidationFailed})
		return nil
	}

	// A failed write leaves the record eligible for a later pass.
	if err := w.dst.Put(ctx, rec.Name, content, fingerprint); err != nil {
		w.tracker.Report(Event{Worker: w.id, Name: rec.Name, Outcome: OutcomeDeferred, Validation: rec.Validation, Err: err})
		return nil
	}

	rec.Transferred = true
	if err := claim.Persist(ctx, rec); err != nil {
		w.tracker.Done(w.id)
		return fmt.Errorf("failed to persist %s: %w", rec.Name, err)
	}

	w.tracker.Report(Event{
		Worker:     w.id,
		Name:       rec.Name,
		Outcome:    OutcomeTransferred,
		Validation: rec.Validation,
		Bytes:      len(content),
	})
	return nil
}
