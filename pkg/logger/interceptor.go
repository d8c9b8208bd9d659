package logger

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pkgcontext "github.com/socialgouv/buildsrv/pkg/context"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
)

// UnaryServerInterceptor returns a new unary server interceptor that logs requests
func UnaryServerInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		startTime := time.Now()
		method := path.Base(info.FullMethod)

		ctx = pkgcontext.WithRequestID(ctx, getOrGenerateRequestID(ctx))
		ctxLogger := LoggerFromContext(ctx, logger).WithFields(map[string]interface{}{
			FieldMethod:    method,
			FieldComponent: "grpc",
		})

		ctxLogger.Debug("Received request")

		resp, err := handler(ctx, req)
		logCompletion(ctxLogger, startTime, err)
		return resp, err
	}
}

// StreamServerInterceptor returns a new stream server interceptor that logs streams
func StreamServerInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		startTime := time.Now()
		ctxLogger := LoggerFromContext(ss.Context(), logger).WithFields(map[string]interface{}{
			FieldMethod:    path.Base(info.FullMethod),
			FieldComponent: "grpc",
			FieldRequestID: getOrGenerateRequestID(ss.Context()),
		})

		ctxLogger.Debug("Stream opened")

		err := handler(srv, ss)
		logCompletion(ctxLogger, startTime, err)
		return err
	}
}

func logCompletion(ctxLogger Logger, startTime time.Time, err error) {
	fields := map[string]interface{}{
		FieldDuration: float64(time.Since(startTime).Microseconds()) / 1000.0,
		FieldStatus:   status.Code(err).String(),
	}

	if err != nil {
		for k, v := range pkgerrors.GetFields(err) {
			fields[k] = v
		}
		ctxLogger.WithFields(fields).Error("Request failed")
		return
	}

	ctxLogger.WithFields(fields).Debug("Request completed")
}

// getOrGenerateRequestID gets the request ID from the metadata or generates a new one
func getOrGenerateRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("x-request-id"); len(values) > 0 {
			return values[0]
		}
	}
	return uuid.New().String()
}
