package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"
	ErrNotRunning      ErrorCode = "not_running"

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

	// Protocol lifecycle errors
	ErrProbeStart      ErrorCode = "probe_start_failed"
	ErrProbeStop       ErrorCode = "probe_stop_failed"
	ErrLocalStart      ErrorCode = "local_start_failed"
	ErrLocalStop       ErrorCode = "local_stop_failed"
	ErrRemoteStart     ErrorCode = "remote_start_failed"
	ErrRemoteStop      ErrorCode = "remote_stop_failed"
	ErrNoProbesStarted ErrorCode = "no_probes_started"
	ErrProtocolBusy    ErrorCode = "protocol_busy"
	ErrInvalidState    ErrorCode = "invalid_state_transition"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrNotImplemented:   "Operation not implemented",
	ErrUnavailable:      "Service unavailable",
	ErrAlreadyRunning:   "Already running",
	ErrNotRunning:       "Not running",
	ErrInvalidConfig:    "Invalid configuration",
	ErrMissingConfig:    "Missing configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read configuration",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrProbeStart:       "Probe failed to start",
	ErrProbeStop:        "Probe failed to stop",
	ErrLocalStart:       "Local data store failed to start",
	ErrLocalStop:        "Local data store failed to stop",
	ErrRemoteStart:      "Remote data store failed to start",
	ErrRemoteStop:       "Remote data store failed to stop",
	ErrNoProbesStarted:  "No probes were started",
	ErrProtocolBusy:     "Protocol is busy",
	ErrInvalidState:     "Invalid state transition",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
	ErrInvalidOperation: "Invalid operation",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
