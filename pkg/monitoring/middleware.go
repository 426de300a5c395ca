package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MonitoringMiddleware combines metrics, tracing and logging for collaborator
// calls and the agent's HTTP surface. Any of its parts may be nil.
type MonitoringMiddleware struct {
	metrics *Metrics
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *Metrics, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// Metrics returns the metrics collector, possibly nil
func (mm *MonitoringMiddleware) Metrics() *Metrics {
	if mm == nil {
		return nil
	}
	return mm.metrics
}

// Tracing returns the tracing manager, possibly nil
func (mm *MonitoringMiddleware) Tracing() *TracingManager {
	if mm == nil {
		return nil
	}
	return mm.tracing
}

// LedgerCall wraps one ledger call with a span and call metrics
func (mm *MonitoringMiddleware) LedgerCall(ctx context.Context, function string, call func(ctx context.Context) error) error {
	start := time.Now()

	ctx, span := mm.Tracing().StartLedgerSpan(ctx, function)
	defer span.End()

	err := call(ctx)

	status := "success"
	if err != nil {
		status = "failed"
		mm.Tracing().RecordError(span, err)
	}
	span.SetAttributes(attribute.String("ledger.status", status))
	mm.Metrics().RecordLedgerCall(function, status, time.Since(start))

	return err
}

// StorageCall wraps one storage call with a span and call metrics
func (mm *MonitoringMiddleware) StorageCall(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	start := time.Now()

	ctx, span := mm.Tracing().StartStorageSpan(ctx, operation)
	defer span.End()

	err := call(ctx)

	status := "success"
	if err != nil {
		status = "failed"
		mm.Tracing().RecordError(span, err)
	}
	span.SetAttributes(attribute.String("storage.status", status))
	mm.Metrics().RecordStorageCall(operation, status, time.Since(start))

	return err
}

// HTTPMiddleware creates comprehensive HTTP monitoring middleware
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

		route := routeLabel(r)
		ctx, span := mm.Tracing().StartSpan(ctx, r.Method+" "+route)
		defer span.End()
		span.SetAttributes(
			semconv.HTTPMethod(r.Method),
			attribute.String("request.id", requestID),
		)

		if traceID := TraceIDFromContext(ctx); traceID != "" {
			ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
		}

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.Metrics().RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapper.statusCode), duration)

		span.SetAttributes(
			semconv.HTTPStatusCode(wrapper.statusCode),
			attribute.Int64("http.response_size", wrapper.bytesWritten),
		)
		if wrapper.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		if mm != nil && mm.logger != nil {
			mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, duration.Milliseconds())
		}
	})
}

// routeLabel names the matched route by its template so that path
// parameters do not become metric labels
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
