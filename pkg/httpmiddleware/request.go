package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

type requestIDKey struct{}

// RequestIDFromContext returns the ID set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// acceptRequestID reports whether a caller-supplied ID is short printable
// ASCII; anything else is replaced so it cannot break log lines.
func acceptRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range []byte(id) {
		if c < ' ' || c > '~' {
			return false
		}
	}
	return true
}

// RequestID tags each request with an ID: the caller's X-Request-ID when
// acceptable, a fresh UUID otherwise. The ID is echoed back and added to the
// context logger, so it must run after InjectLogger.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if !acceptRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := zctx.With(context.WithValue(r.Context(), requestIDKey{}, id),
				zap.String("request_id", id),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recovery logs a handler panic through the context logger, which carries
// the request ID, and answers 500 unless the response already started.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := trackResponse(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zctx.From(r.Context()).Error("Handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Bool("response_started", rw.started),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				if rw.started {
					return
				}
				rw.Header().Set("Connection", "close")
				http.Error(rw, "internal error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
