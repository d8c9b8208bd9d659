package logger

import (
	"github.com/socialgouv/buildsrv/pkg/types"
)

// Standard field names for structured logging
const (
	// Component fields
	FieldComponent = "component"
	FieldOperation = "operation"

	// Request fields
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldDuration  = "duration_ms"
	FieldStatus    = "status"

	// Launch fields
	FieldLaunchKey   = "launch_key"
	FieldFactoryType = "factory_type"
	FieldSupervisor  = "supervisor"
	FieldHandleID    = "handle_id"
	FieldState       = "state"

	// Error fields
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Process fields
	FieldPID      = "pid"
	FieldPort     = "port"
	FieldExitCode = "exit_code"
	FieldStream   = "stream"
)

// WithLaunchKey adds launch key information to the logger
func WithLaunchKey(logger Logger, key types.LaunchKey) Logger {
	return logger.WithFields(key.ToFields())
}

// WithComponent adds component information to the logger
func WithComponent(logger Logger, component string) Logger {
	return logger.WithField(FieldComponent, component)
}

// WithOperation adds operation information to the logger
func WithOperation(logger Logger, operation string) Logger {
	return logger.WithField(FieldOperation, operation)
}

// WithError adds error information to the logger
func WithError(logger Logger, err error) Logger {
	if err == nil {
		return logger
	}
	return logger.WithField(FieldError, err.Error())
}
