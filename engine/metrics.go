package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for listing and transfer activity.
type Metrics struct {
	records       *prometheus.CounterVec
	bytes         prometheus.Counter
	listPages     prometheus.Counter
	listObjects   prometheus.Counter
	listRetries   prometheus.Counter
	activeWorkers prometheus.Gauge
}

// NewMetrics constructs Metrics and registers them with reg. Collectors that
// are already registered (for example when a command builds a second
// pool in the same process) are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobshift",
			Subsystem: "worker",
			Name:      "records_total",
			Help:      "Records processed by transfer workers, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobshift",
			Subsystem: "worker",
			Name:      "transferred_bytes_total",
			Help:      "Bytes written to the destination store.",
		}),
		listPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobshift",
			Subsystem: "lister",
			Name:      "pages_total",
			Help:      "Listing pages reconciled into the record store.",
		}),
		listObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobshift",
			Subsystem: "lister",
			Name:      "objects_total",
			Help:      "Source objects reconciled into the record store.",
		}),
		listRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobshift",
			Subsystem: "lister",
			Name:      "retries_total",
			Help:      "Listing attempts retried after a transient failure.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobshift",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Transfer workers currently running.",
		}),
	}

	var err error
	if m.records, err = register(reg, m.records); err != nil {
		return nil, err
	}
	if m.bytes, err = register(reg, m.bytes); err != nil {
		return nil, err
	}
	if m.listPages, err = register(reg, m.listPages); err != nil {
		return nil, err
	}
	if m.listObjects, err = register(reg, m.listObjects); err != nil {
		return nil, err
	}
	if m.listRetries, err = register(reg, m.listRetries); err != nil {
		return nil, err
	}
	if m.activeWorkers, err = register(reg, m.activeWorkers); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeRecord(outcome Outcome, bytes int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeTransferred {
		m.bytes.Add(float64(bytes))
	}
}

func (m *Metrics) observePage(objects int) {
	if m == nil {
		return
	}
	m.listPages.Inc()
	m.listObjects.Add(float64(objects))
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.listRetries.Inc()
}

func (m *Metrics) setActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}
