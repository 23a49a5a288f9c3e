package transport

import "codeberg.org/mutker/probemon/internal/errors"

// Connection errors: the command server could not be reached or the link
// was already dropped.
const (
	ErrConnectFailed = errors.ErrorCode("transport_connect_failed")
	ErrNotConnected  = errors.ErrorCode("transport_not_connected")
)

// Protocol errors: an exchange on an established link failed.
const (
	ErrIOFailed          = errors.ErrorCode("transport_io_failed")
	ErrTimeout           = errors.ErrorCode("transport_timeout")
	ErrMalformedResponse = errors.ErrorCode("transport_malformed_response")
	ErrCommandRejected   = errors.ErrorCode("transport_command_rejected")
)

// IsConnectionError reports whether err means the probe is unreachable.
func IsConnectionError(err error) bool {
	return errors.HasCode(err, ErrConnectFailed) || errors.HasCode(err, ErrNotConnected)
}

// IsProtocolError reports whether err came from a failed exchange.
func IsProtocolError(err error) bool {
	for _, code := range []errors.ErrorCode{ErrIOFailed, ErrTimeout, ErrMalformedResponse, ErrCommandRejected} {
		if errors.HasCode(err, code) {
			return true
		}
	}
	return false
}
