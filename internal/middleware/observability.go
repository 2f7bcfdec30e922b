package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"chatr/internal/metrics"
	"chatr/internal/service"
	"chatr/internal/tracing"
)

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// ObservabilityMiddleware adds a request id, an OpenTelemetry span, metrics
// and structured request logs to every request.
func ObservabilityMiddleware(logger *logrus.Logger, registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method+" "+endpoint,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", endpoint),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", r.RemoteAddr),
			)
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			traceID := tracing.GetOtelTraceID(ctx)

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: requestID,
				service.LogFieldTraceID:   traceID,
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.Path,
				service.LogFieldRemoteIP:  r.RemoteAddr,
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
			}).Debug("HTTP request started")

			registry.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			}, "Total HTTP requests")
			registry.AddToCounter("http_requests_active", 1, nil, "Currently active HTTP requests")
			defer registry.AddToCounter("http_requests_active", -1, nil, "Currently active HTTP requests")

			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			setSpanStatus(span, wrapper.statusCode)

			registry.RecordTimer("http_request_duration", duration, map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			}, "HTTP request duration")
			registry.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    endpoint,
				"status_code": status,
			}, "HTTP responses by status code")

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestID,
				service.LogFieldTraceID:    traceID,
				service.LogFieldMethod:     r.Method,
				service.LogFieldURL:        r.URL.Path,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldSize:       wrapper.responseSize,
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// routeTemplate labels metrics by route pattern so ids in paths do not
// explode the label space.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func setSpanStatus(span oteltrace.Span, statusCode int) {
	if statusCode >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
