package telemetry

import "codeberg.org/mutker/telesync/internal/errors"

const (
	ErrParse            = errors.ErrParse
	ErrMissingTimestamp = errors.ErrorCode("telemetry_missing_timestamp")
	ErrInvalidFrame     = errors.ErrorCode("telemetry_invalid_frame")
)
