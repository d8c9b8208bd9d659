package logger

// Logger is the structured logger handed to every component. Components
// return errors instead of exiting, so there is no Fatal level.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	// DebugEnabled reports whether Debug entries are emitted, so callers can
	// skip building expensive payloads
	DebugEnabled() bool
	// WithField adds a field to the logger
	WithField(key string, value interface{}) Logger
	// WithFields adds multiple fields to the logger
	WithFields(fields map[string]interface{}) Logger
}
