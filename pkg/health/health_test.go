package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passing() CheckFunc { return func(context.Context) error { return nil } }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body statusBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func runTimes(c *Checker, n int) {
	for range n {
		for _, p := range c.probes {
			p.run(context.Background())
		}
	}
}

func TestLiveEndpoint_Passing(t *testing.T) {
	c := New()
	c.Add(Liveness, "goroutines", time.Second, passing())

	code, body := get(t, c.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestProbe_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		runs     int
		wantCode int
	}{
		{name: "below default threshold", runs: 2, wantCode: http.StatusOK},
		{name: "at default threshold", runs: 3, wantCode: http.StatusServiceUnavailable},
		{name: "custom threshold", opts: []Option{WithThresholds(1, 1)}, runs: 1, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			c.Add(Liveness, "db", time.Second, failing("connection refused"), tt.opts...)
			runTimes(c, tt.runs)

			code, body := get(t, c.LiveEndpoint)
			assert.Equal(t, tt.wantCode, code)
			if code != http.StatusOK {
				assert.Equal(t, "unhealthy", body.Status)
				assert.Equal(t, "connection refused", body.Checks["db"])
			}
		})
	}
}

func TestProbe_Recovers(t *testing.T) {
	var healthy atomic.Bool
	c := New()
	c.Add(Readiness, "redis", time.Second, Condition(healthy.Load, "redis down"), WithThresholds(1, 2))
	c.SetReady(true)

	runTimes(c, 1)
	assert.False(t, c.Ready())

	healthy.Store(true)
	runTimes(c, 1)
	assert.False(t, c.Ready(), "one success is below the threshold")
	runTimes(c, 1)
	assert.True(t, c.Ready())
}

func TestReadyEndpoint_Gate(t *testing.T) {
	c := New()
	c.Add(Readiness, "storage", time.Second, passing())

	code, body := get(t, c.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "_readiness")

	c.SetReady(true)
	code, _ = get(t, c.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)

	c.SetReady(false)
	code, _ = get(t, c.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpoint_IgnoresLivenessProbes(t *testing.T) {
	c := New()
	c.Add(Liveness, "goroutines", time.Second, failing("too many"), WithThresholds(1, 1))
	c.Add(Readiness, "storage", time.Second, passing())
	c.SetReady(true)
	runTimes(c, 1)

	code, _ := get(t, c.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, c.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"goroutines": "too many"}, body.Checks)
}

func TestChecker_StartStop(t *testing.T) {
	var calls atomic.Int32
	c := New()
	c.Add(Readiness, "counted", time.Second, func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, WithThresholds(1, 1))
	c.SetReady(true)

	c.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.Ready() }, time.Second, time.Millisecond)
	c.Stop()
	c.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestProbe_Timeout(t *testing.T) {
	c := New()
	c.Add(Readiness, "slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))
	runTimes(c, 1)

	assert.Equal(t, map[string]string{"slow": context.DeadlineExceeded.Error()}, c.Failures(Readiness))
}

func TestGoroutineLimit(t *testing.T) {
	require.NoError(t, GoroutineLimit(1_000_000)(context.Background()))
	require.Error(t, GoroutineLimit(0)(context.Background()))
}

func TestRegister(t *testing.T) {
	c := New()
	c.SetReady(true)
	mux := http.NewServeMux()
	c.Register(mux)

	for _, path := range []string{"/livez", "/readyz"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
