package store

// Validation records how fetched content was confirmed against the source
// metadata. The zero value means no successful validation has happened.
type Validation string

// ValidationNone doubles as the unvalidated state: content has not been
// fetched yet, or failed both rules.
const (
	ValidationNone     Validation = ""
	ValidationChecksum Validation = "checksum"
	ValidationLength   Validation = "length"
)

// Record is the migration state of a single source object.
type Record struct {
	// ID is the creation sequence. Claims sweep records in ascending ID order.
	ID int64 `json:"id"`

	// Name is the source object key and the natural key of the record.
	Name string `json:"name"`

	SourceChecksum string `json:"source_checksum"`
	SourceLength   int64  `json:"source_length"`

	// LocalChecksum is the fingerprint of the last fetched content, empty
	// until a fetch succeeds.
	LocalChecksum string `json:"local_checksum,omitempty"`

	Validation       Validation `json:"validation,omitempty"`
	ValidationFailed bool       `json:"validation_failed"`
	Transferred      bool       `json:"transferred"`
	Deleted          bool       `json:"deleted"`
}

// Eligible reports whether the record still needs transfer work.
func (r *Record) Eligible() bool {
	return !r.Transferred && !r.ValidationFailed && !r.Deleted
}

// Validated reports whether the content passed either validation rule.
func (r *Record) Validated() bool {
	return r.Validation == ValidationChecksum || r.Validation == ValidationLength
}

// Observation is the metadata the lister saw for one source object.
type Observation struct {
	Name     string
	Checksum string
	Length   int64
}

// Stats aggregates record counts for status reporting.
type Stats struct {
	Total             int64  `json:"count_all"`
	Transferred       int64  `json:"count_transferred"`
	ValidatedChecksum int64  `json:"validated_checksum"`
	ValidatedLength   int64  `json:"validated_length"`
	ValidationFailed  int64  `json:"validation_failed"`
	Deleted           int64  `json:"deleted"`
	Pending           int64  `json:"pending"`
	Marker            string `json:"marker"`
}

// add folds one record into the counters.
func (s *Stats) add(r *Record) {
	s.Total++
	if r.Transferred {
		s.Transferred++
	}
	switch r.Validation {
	case ValidationChecksum:
		s.ValidatedChecksum++
	case ValidationLength:
		s.ValidatedLength++
	}
	if r.ValidationFailed {
		s.ValidationFailed++
	}
	if r.Deleted {
		s.Deleted++
	}
	if r.Eligible() {
		s.Pending++
	}
}

// reconcile merges a fresh observation into an existing record and reports
// whether any field changed.
//
// A metadata change invalidates every result derived from the old metadata,
// including the validation of a pending record whose write was deferred.
func reconcile(r *Record, obs Observation) bool {
	changed := false
	if r.Deleted {
		r.Deleted = false
		changed = true
	}
	if r.SourceChecksum == obs.Checksum && r.SourceLength == obs.Length {
		return changed
	}
	r.Transferred = false
	r.ValidationFailed = false
	r.Validation = ValidationNone
	r.LocalChecksum = ""
	r.SourceChecksum = obs.Checksum
	r.SourceLength = obs.Length
	return true
}

func newRecord(id int64, obs Observation) *Record {
	return &Record{
		ID:             id,
		Name:           obs.Name,
		SourceChecksum: obs.Checksum,
		SourceLength:   obs.Length,
	}
}
