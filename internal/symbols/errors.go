package symbols

import "codeberg.org/mutker/probemon/internal/errors"

const (
	ErrParse    = errors.ErrorCode("symbols_parse")
	ErrNotFound = errors.ErrorCode("symbols_not_found")
	ErrReadMap  = errors.ErrorCode("symbols_read_map")
	ErrWatchMap = errors.ErrorCode("symbols_watch_map")
)
