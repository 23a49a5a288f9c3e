package history

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(v float64, at time.Duration) Sample {
	return Sample{FieldID: "motor_current", Value: v, Unit: "A", Timestamp: t0.Add(at)}
}

func TestBufferMaxCount(t *testing.T) {
	b := NewBuffer(3, 0)
	for i := 1; i <= 5; i++ {
		b.Add(sample(float64(i), time.Duration(i)*time.Millisecond))
	}

	want := []Sample{
		sample(3, 3*time.Millisecond),
		sample(4, 4*time.Millisecond),
		sample(5, 5*time.Millisecond),
	}
	if diff := cmp.Diff(want, b.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestBufferMaxAge(t *testing.T) {
	b := NewBuffer(100, time.Second)
	b.Add(sample(1, 0))
	b.Add(sample(2, 500*time.Millisecond))
	b.Add(sample(3, 1000*time.Millisecond))
	assert.Equal(t, 3, b.Len())

	b.Add(sample(4, 1600*time.Millisecond))
	got := b.Snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, 4.0, got[1].Value)
}

func TestBufferNeverExceedsBounds(t *testing.T) {
	b := NewBuffer(10, 50*time.Millisecond)
	for i := 0; i < 1000; i++ {
		b.Add(sample(float64(i), time.Duration(i)*time.Millisecond))
		snap := b.Snapshot()
		assert.LessOrEqual(t, len(snap), 10)
		assert.False(t, snap[0].Timestamp.Before(snap[len(snap)-1].Timestamp.Add(-50*time.Millisecond)))
	}
}

func TestBufferSnapshotIsCopy(t *testing.T) {
	b := NewBuffer(5, 0)
	b.Add(sample(1, 0))

	snap := b.Snapshot()
	snap[0].Value = 42

	latest, ok := b.Latest()
	assert.True(t, ok)
	assert.Equal(t, 1.0, latest.Value)
}

func TestBufferAverageAndClear(t *testing.T) {
	b := NewBuffer(0, 0)
	assert.Zero(t, b.Average())

	b.Add(sample(2, 0))
	b.Add(sample(4, time.Millisecond))
	assert.Equal(t, 3.0, b.Average())

	b.Clear()
	assert.Zero(t, b.Len())
	_, ok := b.Latest()
	assert.False(t, ok)
}
