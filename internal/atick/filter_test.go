package atick

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldAccept(t *testing.T) {
	known := Some(Counters{A: 1.23, B: 4.00})

	tests := []struct {
		name           string
		candidate      Counters
		previous       Optional[Counters]
		wasUnavailable bool
		want           bool
	}{
		{name: "B changed", candidate: Counters{A: 1.23, B: 4.56}, previous: known, want: true},
		{name: "A changed", candidate: Counters{A: 1.24, B: 4.00}, previous: known, want: true},
		{name: "exact repeat", candidate: Counters{A: 1.23, B: 4.00}, previous: known, want: false},
		{name: "zero sentinel", candidate: Counters{}, previous: known, want: false},
		{name: "zero sentinel without previous", candidate: Counters{}, previous: None[Counters](), want: false},
		{name: "negative sum", candidate: Counters{A: -2, B: 1}, previous: known, want: false},
		{name: "first reading", candidate: Counters{A: 0.01, B: 0}, previous: None[Counters](), want: true},
		{name: "resync with zero", candidate: Counters{}, previous: known, wasUnavailable: true, want: true},
		{name: "resync with repeat", candidate: Counters{A: 1.23, B: 4.00}, previous: known, wasUnavailable: true, want: true},
		{name: "resync without previous", candidate: Counters{A: 5, B: 6}, previous: None[Counters](), wasUnavailable: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldAccept(tt.candidate, tt.previous, tt.wasUnavailable)
			assert.Equal(t, tt.want, got)
		})
	}
}
