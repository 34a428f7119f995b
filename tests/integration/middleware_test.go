//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
)

func getStatusWithID(t *testing.T, requestID string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("GET /status: got %d", resp.StatusCode)
	}
	return resp
}

func TestStatus_EchoesRequestID(t *testing.T) {
	resp := getStatusWithID(t, "till-4-20261017")
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "till-4-20261017" {
		t.Errorf("X-Request-ID: got %q, want till-4-20261017", got)
	}
}

func TestStatus_GeneratesRequestID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 3 {
		resp := getStatusWithID(t, "")
		resp.Body.Close()

		id := resp.Header.Get("X-Request-ID")
		if len(id) != 36 {
			t.Fatalf("X-Request-ID: got %q, want a UUID", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("X-Request-ID %q reused", id)
		}
		seen[id] = struct{}{}
	}
}

func TestStatus_ReplacesOversizedRequestID(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}

	resp := getStatusWithID(t, string(long))
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("X-Request-ID: got %q, want a fresh UUID", got)
	}
}
