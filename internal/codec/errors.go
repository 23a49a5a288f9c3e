package codec

import "codeberg.org/mutker/probemon/internal/errors"

const (
	ErrShortInput      = errors.ErrorCode("codec_short_input")
	ErrUnsupportedType = errors.ErrorCode("codec_unsupported_type")
)
