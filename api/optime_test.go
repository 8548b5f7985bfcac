package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimestampCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", Timestamp{1, 1}, Timestamp{1, 1}, 0},
		{"seconds first", Timestamp{1, 9}, Timestamp{2, 0}, -1},
		{"increment breaks tie", Timestamp{2, 2}, Timestamp{2, 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestOpTimeCompare(t *testing.T) {
	a := OpTime{TS: Timestamp{1, 1}, Term: 1}
	b := OpTime{TS: Timestamp{1, 1}, Term: 2}
	c := OpTime{TS: Timestamp{2, 1}, Term: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, OpTime{}.IsNull())
	assert.False(t, a.IsNull())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PreStart", PreStart.String())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "ShuttingDown", ShuttingDown.String())
	assert.Equal(t, "Complete", Complete.String())
	assert.Equal(t, "Unknown", State(42).String())
}
