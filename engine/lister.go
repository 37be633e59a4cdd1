package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/blobshift/provider"
	"github.com/franksops/blobshift/store"
)

const (
	// DefaultPageSize is the number of objects requested per listing page.
	DefaultPageSize = 5000

	// DefaultRetryDelay is the pause before a listing page is retried after
	// a transient failure.
	DefaultRetryDelay = 3 * time.Second
)

// ErrListerRunning is returned by Run when the Lister is already running.
var ErrListerRunning = errors.New("lister already running")

// ListerOptions configures a Lister.
type ListerOptions struct {
	PageSize   int
	RetryDelay time.Duration
	Logger     *zap.Logger
	Metrics    *Metrics
}

// ListSummary describes a completed listing run.
type ListSummary struct {
	Pages    int
	Objects  int
	Retries  int
	Duration time.Duration
}

// Lister pages through the source listing and reconciles every object it
// sees into the record store. The marker of the next page is persisted
// after each page so an interrupted run resumes where it stopped.
type Lister struct {
	src     provider.Source
	store   store.Store
	opts    ListerOptions
	logger  *zap.Logger
	running atomic.Bool
}

// NewLister creates a new Lister reading from src and writing to st.
func NewLister(src provider.Source, st store.Store, opts ListerOptions) *Lister {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{
		src:    src,
		store:  st,
		opts:   opts,
		logger: logger.Named("lister"),
	}
}

// Running reports whether Run is in progress.
func (l *Lister) Running() bool {
	return l.running.Load()
}

// Run lists every remaining page, starting at the stored marker, until the
// listing is exhausted. Transient listing failures are retried forever on
// the same page; any other failure stops the run.
func (l *Lister) Run(ctx context.Context) (summary ListSummary, err error) {
	if !l.running.CompareAndSwap(false, true) {
		return ListSummary{}, ErrListerRunning
	}
	defer l.running.Store(false)

	started := time.Now()
	defer func() { summary.Duration = time.Since(started) }()

	marker, err := l.store.Marker(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to read marker: %w", err)
	}

	for {
		l.logger.Info("listing page", zap.String("marker", marker))
		pageStarted := time.Now()

		page, err := l.listPage(ctx, marker, &summary)
		if err != nil {
			return summary, err
		}

		for _, obj := range page.Objects {
			obs := store.Observation{Name: obj.Name, Checksum: obj.Checksum, Length: obj.Length}
			if _, err := l.store.Reconcile(ctx, obs); err != nil {
				return summary, fmt.Errorf("failed to reconcile %s: %w", obj.Name, err)
			}
		}

		next := page.NextMarker
		if err := l.store.SetMarker(ctx, next); err != nil {
			return summary, fmt.Errorf("failed to store marker: %w", err)
		}

		summary.Pages++
		summary.Objects += len(page.Objects)
		l.opts.Metrics.observePage(len(page.Objects))
		l.logger.Info("page reconciled",
			zap.Int("page", summary.Pages),
			zap.Int("objects", len(page.Objects)),
			zap.Int("total_objects", summary.Objects),
			zap.Duration("elapsed", time.Since(pageStarted)),
		)

		if next == "" {
			l.logger.Info("listing complete",
				zap.Int("pages", summary.Pages),
				zap.Int("objects", summary.Objects),
				zap.Int("retries", summary.Retries),
			)
			return summary, nil
		}
		marker = next
	}
}

// listPage fetches one page, retrying transient failures after a fixed delay.
func (l *Lister) listPage(ctx context.Context, marker string, summary *ListSummary) (provider.Page, error) {
	for attempt := 1; ; attempt++ {
		page, err := l.src.List(ctx, marker, l.opts.PageSize)
		if err == nil {
			return page, nil
		}
		if !provider.IsTransient(err) {
			return provider.Page{}, fmt.Errorf("failed to list page: %w", err)
		}

		summary.Retries++
		l.opts.Metrics.observeRetry()
		l.logger.Warn("listing failed, retrying",
			zap.String("marker", marker),
			zap.Int("attempt", attempt),
			zap.Duration("delay", l.opts.RetryDelay),
			zap.Error(err),
		)

		timer := time.NewTimer(l.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return provider.Page{}, ctx.Err()
		case <-timer.C:
		}
	}
}
