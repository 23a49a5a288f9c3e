package controller

import "codeberg.org/mutker/probemon/internal/errors"

const (
	ErrResolution = errors.ErrorCode("controller_resolution")
)
