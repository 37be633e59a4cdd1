package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcile(t *testing.T) {
	transferred := Record{
		ID: 1, Name: "a", SourceChecksum: "sum", SourceLength: 3,
		LocalChecksum: "sum", Validation: ValidationChecksum, Transferred: true,
	}

	tests := []struct {
		name    string
		start   Record
		obs     Observation
		want    Record
		changed bool
	}{
		{
			name:  "identical observation",
			start: transferred,
			obs:   Observation{Name: "a", Checksum: "sum", Length: 3},
			want:  transferred,
		},
		{
			name:    "checksum changed after transfer",
			start:   transferred,
			obs:     Observation{Name: "a", Checksum: "new", Length: 3},
			want:    Record{ID: 1, Name: "a", SourceChecksum: "new", SourceLength: 3},
			changed: true,
		},
		{
			name:    "length changed after transfer",
			start:   transferred,
			obs:     Observation{Name: "a", Checksum: "sum", Length: 12},
			want:    Record{ID: 1, Name: "a", SourceChecksum: "sum", SourceLength: 12},
			changed: true,
		},
		{
			name:    "deleted record reappears",
			start:   Record{ID: 1, Name: "a", SourceLength: 3, Deleted: true},
			obs:     Observation{Name: "a", Length: 3},
			want:    Record{ID: 1, Name: "a", SourceLength: 3},
			changed: true,
		},
		{
			name:    "failed record changes",
			start:   Record{ID: 1, Name: "a", SourceChecksum: "x", SourceLength: 3, LocalChecksum: "y", ValidationFailed: true},
			obs:     Observation{Name: "a", Checksum: "y", Length: 3},
			want:    Record{ID: 1, Name: "a", SourceChecksum: "y", SourceLength: 3},
			changed: true,
		},
		{
			name: "pending record with deferred write changes",
			start: Record{ID: 1, Name: "a", SourceChecksum: "sum", SourceLength: 3,
				LocalChecksum: "sum", Validation: ValidationChecksum},
			obs:     Observation{Name: "a", Checksum: "new", Length: 4},
			want:    Record{ID: 1, Name: "a", SourceChecksum: "new", SourceLength: 4},
			changed: true,
		},
		{
			name:  "failed record unchanged",
			start: Record{ID: 1, Name: "a", SourceChecksum: "x", SourceLength: 3, LocalChecksum: "y", ValidationFailed: true},
			obs:   Observation{Name: "a", Checksum: "x", Length: 3},
			want:  Record{ID: 1, Name: "a", SourceChecksum: "x", SourceLength: 3, LocalChecksum: "y", ValidationFailed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.start
			changed := reconcile(&rec, tt.obs)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, rec)
		})
	}
}

func TestRecord_Eligible(t *testing.T) {
	assert.True(t, (&Record{}).Eligible())
	assert.False(t, (&Record{Transferred: true}).Eligible())
	assert.False(t, (&Record{ValidationFailed: true}).Eligible())
	assert.False(t, (&Record{Deleted: true}).Eligible())
}
