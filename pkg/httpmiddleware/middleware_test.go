package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_Order(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace = append(trace, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		trace = append(trace, "handler")
	}), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("Reuse", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("X-Request-ID", "till-4")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "till-4", seen)
		assert.Equal(t, "till-4", w.Header().Get("X-Request-ID"))
	})
	t.Run("Generate", func(t *testing.T) {
		for _, id := range []string{"", strings.Repeat("a", 129), "bad\nid"} {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("X-Request-ID", id)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Len(t, seen, 36)
			assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
		}
	})
}

func TestRecovery_LogsWithRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	h := Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), InjectLogger(zap.New(core)), RequestID(), Recovery())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	entries := logs.FilterMessage("Handler panic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "boom", entries[0].ContextMap()["panic"])
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(http.ResponseWriter, *http.Request) {})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := Wrap(mux, InjectLogger(zap.New(core)), LogRequests("/livez"))

	for _, path := range []string{"/livez", "/status"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	all := logs.All()
	require.Len(t, all, 1)
	assert.Equal(t, "Request failed", all[0].Message)
	assert.EqualValues(t, http.StatusServiceUnavailable, all[0].ContextMap()["status"])
	assert.Equal(t, "/status", all[0].ContextMap()["path"])
}

func TestRecovery_ResponseStarted(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("partial"))
		panic("late")
	}), InjectLogger(zap.New(core)), RequestID(), Recovery())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "partial", w.Body.String())

	entries := logs.FilterMessage("Handler panic").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["response_started"])
	assert.Equal(t, w.Header().Get("X-Request-ID"), entries[0].ContextMap()["request_id"])
}

func TestRecovery_AbortHandler(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	})
}

func TestLogRequests_SharesRecoveryWriter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), InjectLogger(zap.New(core)), Recovery(), LogRequests())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	entries := logs.FilterMessage("Request failed").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusBadGateway, entries[0].ContextMap()["status"])
}
