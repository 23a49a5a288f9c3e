package sampler

import "codeberg.org/mutker/probemon/internal/errors"

const (
	ErrAlreadyRunning = errors.ErrorCode("sampler_already_running")
	ErrFailureLimit   = errors.ErrorCode("sampler_failure_limit")
)
