package api

import "codeberg.org/mutker/telesync/internal/errors"

const (
	ErrRequest         = errors.ErrRequest
	ErrUnauthorized    = errors.ErrUnauthorized
	ErrParse           = errors.ErrParse
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrInvalidBaseURL  = errors.ErrorCode("api_invalid_base_url")
)

// StatusCode returns the HTTP status carried by err, or 0 when the request
// never produced a response.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	return errors.HasCode(err, ErrUnauthorized)
}
