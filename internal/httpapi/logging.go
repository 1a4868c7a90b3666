package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"turnos/internal/metrics"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type logContextKey struct{}

// requestLog collects fields that inner handlers learn about a request.
type requestLog struct {
	businessID string
}

func noteBusiness(ctx context.Context, businessID string) {
	if entry, ok := ctx.Value(logContextKey{}).(*requestLog); ok {
		entry.businessID = businessID
	}
}

func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := &requestLog{}
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r.WithContext(context.WithValue(r.Context(), logContextKey{}, entry)))
		duration := time.Since(start)

		metrics.HTTPRequests.WithLabelValues(r.Method, fmt.Sprintf("%dxx", writer.status/100)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", duration),
			zap.String("business_id", entry.businessID),
			zap.String("request_id", requestIDFromRequest(r)),
		}
		if writer.status >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Info("request", fields...)
	})
}
