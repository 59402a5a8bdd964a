package errors

// ErrorCode names a failure class, such as transport_error or
// auth_invalid_credential. Packages declare their own codes next to the
// shared ones in codes.go.
type ErrorCode string

// Error is a coded error. Wrapping keeps the cause reachable through
// Unwrap, so HasCode finds a code anywhere in the chain while CodeOf
// reports the outermost one.
type Error interface {
	error
	Code() ErrorCode
	// WithMessage replaces the default message for the code.
	WithMessage(msg string) Error
	// WithData attaches context that is appended to the message.
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Obtain one with New.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
