package logger

import (
	"context"

	pkgcontext "github.com/socialgouv/buildsrv/pkg/context"
)

// LoggerFromContext creates a logger with context information
func LoggerFromContext(ctx context.Context, baseLogger Logger) Logger {
	if ctx == nil {
		return baseLogger
	}

	if requestID := pkgcontext.GetRequestID(ctx); requestID != "" {
		baseLogger = baseLogger.WithField(FieldRequestID, requestID)
	}

	if keyID := pkgcontext.GetLaunchKeyID(ctx); keyID != "" {
		baseLogger = baseLogger.WithField(FieldLaunchKey, keyID)
	}

	return baseLogger
}
