// Package httpx records server traffic of a host application as tinycount
// events.
package httpx

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/nicktill/tinycount/pkg/sdk"
)

// EventKey is the key every request event is recorded under.
const EventKey = "http_request"

// Recorder is the part of *sdk.Client the middleware needs.
type Recorder interface {
	RecordEvent(ctx context.Context, e sdk.Event) error
	RecordError(ctx context.Context, err error, nonfatal bool, segments map[string]string) error
}

var _ Recorder = (*sdk.Client)(nil)

// Middleware records one EventKey event per request, segmented by method,
// normalized path and status, with the handler time as duration. A panicking
// handler is recorded as a nonfatal crash and answered with 500.
//
//	handler := httpx.Middleware(client)(mux)
func Middleware(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			path := normalizePath(r.URL.Path)

			// the request context may already be cancelled when we record
			ctx := context.WithoutCancel(r.Context())

			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					_ = rec.RecordError(ctx, fmt.Errorf("panic serving %s %s: %v", r.Method, path, v), true, map[string]string{
						"method": r.Method,
						"path":   path,
					})
					if !rw.wroteHeader {
						rw.WriteHeader(http.StatusInternalServerError)
					}
				}

				_ = rec.RecordEvent(ctx, sdk.Event{
					Key:   EventKey,
					Count: 1,
					Dur:   time.Since(start).Seconds(),
					Segmentation: map[string]any{
						"method": r.Method,
						"path":   path,
						"status": rw.statusCode,
					},
				})
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

var (
	numericSegment = regexp.MustCompile(`/\d+`)
	uuidSegment    = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// normalizePath replaces ids in path segments so every user does not become
// a new segment value.
//   - /api/users/123 → /api/users/{id}
//   - /orders/3f2b…-…/items → /orders/{id}/items
func normalizePath(path string) string {
	path = uuidSegment.ReplaceAllString(path, "/{id}")
	return numericSegment.ReplaceAllString(path, "/{id}")
}
