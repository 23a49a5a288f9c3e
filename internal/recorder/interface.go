package recorder

import (
	"context"
	"time"

	"codeberg.org/mutker/probemon/internal/history"
	"codeberg.org/mutker/probemon/internal/sampler"
)

// Recorder persists published sample batches.
type Recorder interface {
	Record(ctx context.Context, batch sampler.Batch) error
	// Listener adapts Record to a sampling engine subscription.
	Listener() sampler.Listener
	Close() error
}

// Repository is the storage behind a Recorder.
type Repository interface {
	Record(samples []history.Sample) error
	Flush() error
	Query(ctx context.Context, fieldID string, since time.Time) ([]history.Sample, error)
	Close() error
}
