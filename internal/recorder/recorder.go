// Package recorder stores published samples in SQLite.
package recorder

import (
	"context"
	"sort"

	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/history"
	"codeberg.org/mutker/probemon/internal/logger"
	"codeberg.org/mutker/probemon/internal/sampler"
)

type service struct {
	repo Repository
	log  logger.Logger
}

// No-op implementation
type noopRecorder struct{}

// New returns a SQLite backed recorder, or a no-op one when recording is
// disabled.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()
	log = log.With("recorder")

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Recording disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, log: log}, nil
}

// NewWithRepository wraps an existing repository.
func NewWithRepository(repo Repository, log logger.Logger) Recorder {
	return &service{repo: repo, log: log.With("recorder")}
}

func (s *service) Record(ctx context.Context, batch sampler.Batch) error {
	errFactory := errors.New()

	if len(batch) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	samples := make([]history.Sample, 0, len(batch))
	for _, smp := range batch {
		samples = append(samples, smp)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].FieldID < samples[j].FieldID })

	if err := s.repo.Record(samples); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}
	return nil
}

func (s *service) Listener() sampler.Listener {
	return func(batch sampler.Batch) {
		if err := s.Record(context.Background(), batch); err != nil {
			s.log.Warn().Err(err).Msg("Failed to record samples")
		}
	}
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopRecorder) Record(context.Context, sampler.Batch) error {
	return nil
}

func (*noopRecorder) Listener() sampler.Listener {
	return func(sampler.Batch) {}
}

func (*noopRecorder) Close() error {
	return nil
}
