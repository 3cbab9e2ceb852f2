package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	CorrelationKey ctxKey = iota
	JobKey
)

const correlationHeader = "X-Correlation-ID"

// Incoming ids are echoed into logs and responses, so only short opaque tokens are kept.
var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// statusRecorder remembers the response status for the completion log line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush keeps SSE streams working behind the middleware.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// CorrelationID tags the request context with the caller's X-Correlation-ID,
// or a fresh uuid, and logs the request around next.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if !validCorrelationID.MatchString(id) {
			id = uuid.New().String()
		}
		ctx := WithCorrelationID(r.Context(), id)
		w.Header().Set(correlationHeader, id)

		slog.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path) // #nosec G706 -- r.URL.Path is parsed by Go's net/http
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start)) // #nosec G706
	})
}

func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey, id)
}

// WithJobID tags ctx so log records emitted while processing carry the job id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobKey, id)
}

func GetJobID(ctx context.Context) string {
	id, _ := ctx.Value(JobKey).(string)
	return id
}
