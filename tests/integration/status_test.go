//go:build integration

package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func TestStatus_FreshTerminal(t *testing.T) {
	st := getStatus(t)

	if st.View != "cart" {
		t.Errorf("view: got %q, want cart", st.View)
	}
	if st.PaymentMethod != "qr" {
		t.Errorf("payment_method: got %q, want qr", st.PaymentMethod)
	}
	if st.Table != nil {
		t.Errorf("table: got %q, want null", *st.Table)
	}
	if st.Items != 0 || st.Total != "0.00" {
		t.Errorf("cart: got %d items totalling %s, want empty", st.Items, st.Total)
	}
	if !st.Subscribed {
		t.Error("expected the order subscription to be up")
	}
}

func TestStatus_MethodNotAllowed(t *testing.T) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, baseURL+"/status", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Errorf("Allow: got %q, want GET", allow)
	}
}
