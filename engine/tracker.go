package engine

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/blobshift/store"
)

// Outcome is what happened to one claimed record.
type Outcome string

const (
	OutcomeTransferred      Outcome = "transferred"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeDeleted          Outcome = "deleted"

	// OutcomeDeferred means a transient failure left the record eligible
	// for a later pass.
	OutcomeDeferred Outcome = "deferred"
)

// recentEvents is how many outcomes Snapshot keeps for display.
const recentEvents = 10

// Event reports the outcome of processing one record.
type Event struct {
	Worker     string
	Name       string
	Outcome    Outcome
	Validation store.Validation
	Bytes      int
	Err        error
	At         time.Time
}

// ActiveRecord is a record a worker is currently processing.
type ActiveRecord struct {
	Worker string
	Name   string
	Since  time.Time
}

// Progress is a point-in-time view of worker activity.
type Progress struct {
	Transferred      int64
	ValidationFailed int64
	Deleted          int64
	Deferred         int64
	Bytes            int64

	Active []ActiveRecord
	Recent []Event
}

// Tracker collects per-record outcomes from all workers. It logs them,
// feeds the Prometheus counters and keeps a snapshot for the dashboard.
type Tracker struct {
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	progress Progress
	active   map[string]ActiveRecord
}

// NewTracker creates a Tracker. metrics may be nil.
func NewTracker(logger *zap.Logger, metrics *Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger:  logger,
		metrics: metrics,
		active:  make(map[string]ActiveRecord),
	}
}

// Start marks name as being processed by worker.
func (t *Tracker) Start(worker, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[worker] = ActiveRecord{Worker: worker, Name: name, Since: time.Now()}
}

// Report records the outcome of one record and clears the worker's active
// entry.
func (t *Tracker) Report(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	fields := []zap.Field{zap.String("worker", ev.Worker), zap.String("name", ev.Name)}
	switch ev.Outcome {
	case OutcomeTransferred:
		t.logger.Info("transferred",
			append(fields, zap.String("validation", string(ev.Validation)), zap.Int("bytes", ev.Bytes))...)
	case OutcomeValidationFailed:
		t.logger.Warn("failed validation", fields...)
	case OutcomeDeleted:
		t.logger.Info("source object gone, marked deleted", fields...)
	case OutcomeDeferred:
		t.logger.Warn("deferred after transient failure", append(fields, zap.Error(ev.Err))...)
	}

	t.metrics.observeRecord(ev.Outcome, ev.Bytes)

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, ev.Worker)
	switch ev.Outcome {
	case OutcomeTransferred:
		t.progress.Transferred++
		t.progress.Bytes += int64(ev.Bytes)
	case OutcomeValidationFailed:
		t.progress.ValidationFailed++
	case OutcomeDeleted:
		t.progress.Deleted++
	case OutcomeDeferred:
		t.progress.Deferred++
	}

	t.progress.Recent = append(t.progress.Recent, ev)
	if n := len(t.progress.Recent); n > recentEvents {
		t.progress.Recent = append([]Event(nil), t.progress.Recent[n-recentEvents:]...)
	}
}

// Done clears the active entry of a worker that stopped without an outcome.
func (t *Tracker) Done(worker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, worker)
}

// Snapshot returns a copy of the current progress. Active records are
// ordered by worker.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.progress
	p.Recent = append([]Event(nil), t.progress.Recent...)
	p.Active = make([]ActiveRecord, 0, len(t.active))
	for _, a := range t.active {
		p.Active = append(p.Active, a)
	}
	sort.Slice(p.Active, func(i, j int) bool { return p.Active[i].Worker < p.Active[j].Worker })
	return p
}
