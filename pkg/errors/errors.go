package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Field names for structured logging
const (
	FieldError      = "error"
	FieldErrorCode  = "error_code"
	FieldStackTrace = "stack_trace"
)

// Standard error codes
const (
	// ErrorCodeUnknown is used when the error type is unknown
	ErrorCodeUnknown = "ERR_UNKNOWN"
	// ErrorCodeInvalidInput is used when the input is invalid
	ErrorCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrorCodeArgument is used for malformed heap or agent-path flags
	ErrorCodeArgument = "ERR_ARGUMENT"
	// ErrorCodeSpawn is used when the OS refuses to create a process
	ErrorCodeSpawn = "ERR_SPAWN"
	// ErrorCodeChannel is used when a started process never answers the handshake
	ErrorCodeChannel = "ERR_CHANNEL"
	// ErrorCodeCommunication is used when a call hits a dead process or closed channel
	ErrorCodeCommunication = "ERR_COMMUNICATION"
	// ErrorCodeNotRunning is used when an operation needs a live process and there is none
	ErrorCodeNotRunning = "ERR_NOT_RUNNING"
	// ErrorCodeTimeout is used when an operation times out
	ErrorCodeTimeout = "ERR_TIMEOUT"
	// ErrorCodeInternalError is used for internal errors
	ErrorCodeInternalError = "ERR_INTERNAL"
)

// Sentinels for errors.Is. A ContextualError matches a sentinel when the codes are equal.
var (
	ErrArgument      = &ContextualError{Message: "argument error", Code: ErrorCodeArgument}
	ErrSpawn         = &ContextualError{Message: "spawn failure", Code: ErrorCodeSpawn}
	ErrChannel       = &ContextualError{Message: "channel failure", Code: ErrorCodeChannel}
	ErrCommunication = &ContextualError{Message: "communication failure", Code: ErrorCodeCommunication}
	ErrNotRunning    = &ContextualError{Message: "process not running", Code: ErrorCodeNotRunning}
)

// ContextualError is an error with additional context
type ContextualError struct {
	// Original is the original error
	Original error
	// Message is the contextual message
	Message string
	// Code is the error code
	Code string
	// Fields contains additional fields for logging
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error returns the error message
func (e *ContextualError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Original)
	}
	return e.Message
}

// Unwrap returns the original error
func (e *ContextualError) Unwrap() error {
	return e.Original
}

// Is reports whether target is a sentinel carrying the same code, or matches
// any error in the original error's tree
func (e *ContextualError) Is(target error) bool {
	if t, ok := target.(*ContextualError); ok && t.Original == nil && t.Stack == "" && t.Code != "" {
		if e.Code == t.Code {
			return true
		}
	}
	if e.Original == nil {
		return false
	}
	return errors.Is(e.Original, target)
}

// ToFields converts the error to a map of logger fields
func (e *ContextualError) ToFields() map[string]interface{} {
	fields := make(map[string]interface{})

	fields[FieldError] = e.Error()

	if e.Code != "" {
		fields[FieldErrorCode] = e.Code
	}

	if e.Stack != "" {
		fields[FieldStackTrace] = e.Stack
	}

	for k, v := range e.Fields {
		fields[k] = v
	}

	return fields
}

// Wrap adds message to err, keeping the code of a wrapped ContextualError
func Wrap(err error, message string) error {
	return wrap(err, message, "", nil)
}

// WrapWithCode adds message to err and replaces its code
func WrapWithCode(err error, code, message string) error {
	return wrap(err, message, code, nil)
}

// WrapWithField adds message to err and attaches one logging field
func WrapWithField(err error, key string, value interface{}, message string) error {
	return wrap(err, message, "", map[string]interface{}{key: value})
}

// wrap flattens ContextualError chains: the outer message is prefixed and the
// original cause, stack and fields are carried over. An empty code keeps the
// inner one, or ERR_UNKNOWN for foreign errors.
func wrap(err error, message, code string, extra map[string]interface{}) error {
	if err == nil {
		return nil
	}

	out := &ContextualError{Original: err, Message: message, Code: code}

	var inner *ContextualError
	if errors.As(err, &inner) {
		out.Original = inner.Original
		out.Message = message + ": " + inner.Message
		out.Stack = inner.Stack
		out.Fields = copyFields(inner.Fields)
		if out.Code == "" {
			out.Code = inner.Code
		}
	} else {
		out.Fields = make(map[string]interface{}, len(extra))
		out.Stack = captureStack(4)
		if out.Code == "" {
			out.Code = ErrorCodeUnknown
		}
	}

	for k, v := range extra {
		out.Fields[k] = v
	}
	return out
}

// NewWithCode creates a new error with a message and error code
func NewWithCode(code, message string) error {
	return &ContextualError{
		Message: message,
		Code:    code,
		Fields:  make(map[string]interface{}),
		Stack:   captureStack(3),
	}
}

// Newf creates a new error with a code and a formatted message
func Newf(code, format string, args ...interface{}) error {
	return &ContextualError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Fields:  make(map[string]interface{}),
		Stack:   captureStack(3),
	}
}

// GetCode returns the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var contextualErr *ContextualError
	if errors.As(err, &contextualErr) {
		return contextualErr.Code
	}

	return ErrorCodeUnknown
}

// GetFields returns the fields from an error
func GetFields(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var contextualErr *ContextualError
	if errors.As(err, &contextualErr) {
		return contextualErr.ToFields()
	}

	return map[string]interface{}{
		FieldError: err.Error(),
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// captureStack captures the current stack trace
func captureStack(skip int) string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()

		// Skip runtime and testing packages
		if !strings.Contains(frame.Function, "runtime.") && !strings.Contains(frame.Function, "testing.") {
			fmt.Fprintf(&builder, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}

		if !more {
			break
		}

		if builder.Len() > 4096 {
			fmt.Fprintf(&builder, "...\n")
			break
		}
	}

	return builder.String()
}
