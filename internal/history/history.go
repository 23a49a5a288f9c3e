// Package history keeps a bounded, time-windowed series of samples per
// field.
package history

import (
	"sync"
	"time"
)

// Sample is one decoded field value.
type Sample struct {
	FieldID   string
	Value     float64
	Unit      string
	Timestamp time.Time
}

// Buffer is an append-only series bounded by count and age. Eviction
// trims from the front. A zero bound disables that limit.
type Buffer struct {
	maxCount int
	maxAge   time.Duration

	mu      sync.RWMutex
	samples []Sample
}

func NewBuffer(maxCount int, maxAge time.Duration) *Buffer {
	return &Buffer{maxCount: maxCount, maxAge: maxAge}
}

// Add appends s and evicts whatever now falls outside the bounds. Age is
// measured against the newest sample, so a paused feed keeps its tail.
func (b *Buffer) Add(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, s)

	drop := 0
	if b.maxCount > 0 && len(b.samples) > b.maxCount {
		drop = len(b.samples) - b.maxCount
	}
	if b.maxAge > 0 {
		cutoff := s.Timestamp.Add(-b.maxAge)
		for drop < len(b.samples) && b.samples[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}

	if drop > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(b.samples, b.samples[drop:])
		clear(b.samples[n:])
		b.samples = b.samples[:n]
	}
}

// Snapshot returns a copy of the samples, oldest first.
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Latest returns the newest sample.
func (b *Buffer) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Average returns the mean value over the retained window.
func (b *Buffer) Average() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range b.samples {
		sum += s.Value
	}
	return sum / float64(len(b.samples))
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = nil
}
