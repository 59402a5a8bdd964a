package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Transport errors: connection or handshake failures, retried by the
	// connection state machine and never surfaced to subscribers.
	ErrTransport       ErrorCode = "transport_error"
	ErrHandshake       ErrorCode = "transport_handshake_failed"
	ErrHeartbeatMissed ErrorCode = "transport_heartbeat_missed"

	// Auth errors
	ErrNotAuthenticated      ErrorCode = "auth_not_authenticated"
	ErrAuthInvalidCredential ErrorCode = "auth_invalid_credential"
	ErrAuthNetwork           ErrorCode = "auth_network_error"
	ErrAuthExpired           ErrorCode = "auth_session_expired"

	// Request errors: a single REST call failed.
	ErrRequest      ErrorCode = "request_failed"
	ErrUnauthorized ErrorCode = "request_unauthorized"

	// Parse errors: malformed payloads, dropped and logged.
	ErrParse ErrorCode = "parse_error"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:              "Internal error occurred",
	ErrInvalidArgument:       "Invalid argument provided",
	ErrUnavailable:           "Service unavailable",
	ErrAlreadyRunning:        "Another instance is already running",
	ErrInvalidConfig:         "Invalid configuration",
	ErrMissingConfig:         "Missing configuration",
	ErrBindFlags:             "Failed to bind flags",
	ErrReadConfig:            "Failed to read config file",
	ErrInvalidInterval:       "Invalid interval value",
	ErrInvalidLogLevel:       "Invalid log level",
	ErrInitFailed:            "Initialization failed",
	ErrShutdownFailed:        "Shutdown failed",
	ErrTransport:             "Transport failure",
	ErrHandshake:             "Transport handshake failed",
	ErrHeartbeatMissed:       "Transport heartbeat missed",
	ErrNotAuthenticated:      "Not authenticated",
	ErrAuthInvalidCredential: "Invalid credential",
	ErrAuthNetwork:           "Authentication request failed",
	ErrAuthExpired:           "Session expired",
	ErrRequest:               "Request failed",
	ErrUnauthorized:          "Request rejected as unauthorized",
	ErrParse:                 "Failed to parse payload",
	ErrOperationFailed:       "Operation failed",
	ErrTimeout:               "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
