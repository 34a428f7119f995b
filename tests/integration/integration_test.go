//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ordersChannel is where the order service's broadcaster publishes.
const ordersChannel = "laravel_database_orders"

var (
	baseURL    string
	httpClient *http.Client
	broker     *goredis.Client
)

// Response types are defined locally to keep the tests black-box.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type statusResponse struct {
	View          string  `json:"view"`
	PaymentMethod string  `json:"payment_method"`
	Table         *string `json:"table"`
	Items         int     `json:"items"`
	Subtotal      string  `json:"subtotal"`
	Total         string  `json:"total"`
	UnpaidOrders  int     `json:"unpaid_orders"`
	Subscribed    bool    `json:"subscribed"`
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Coverage output of the instrumented binary.
	if err := os.MkdirAll("coverdir", 0o777); err != nil {
		log.Fatalf("create coverdir: %v", err)
	}

	dc, err := tc.NewDockerCompose("docker-compose.test.yml")
	if err != nil {
		log.Fatalf("compose init: %v", err)
	}

	err = dc.
		WaitForService("pos", wait.ForHTTP("/readyz").WithPort("8081/tcp")).
		Up(ctx, tc.Wait(true))
	if err != nil {
		log.Fatalf("compose up: %v", err)
	}

	posContainer, err := dc.ServiceContainer(ctx, "pos")
	if err != nil {
		log.Fatalf("pos container: %v", err)
	}
	posEndpoint, err := posContainer.PortEndpoint(ctx, "8081/tcp", "http")
	if err != nil {
		log.Fatalf("pos endpoint: %v", err)
	}
	baseURL = posEndpoint
	httpClient = &http.Client{Timeout: 10 * time.Second}
	log.Printf("terminal available at %s", baseURL)

	redisContainer, err := dc.ServiceContainer(ctx, "redis")
	if err != nil {
		log.Fatalf("redis container: %v", err)
	}
	redisAddr, err := redisContainer.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		log.Fatalf("redis endpoint: %v", err)
	}
	broker = goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer func() { _ = broker.Close() }()

	result := m.Run()

	// app.Run handles SIGINT, so a graceful stop flushes GOCOVERDIR.
	stopTimeout := 30 * time.Second
	if err := posContainer.Stop(ctx, &stopTimeout); err != nil {
		log.Printf("stop pos container: %v", err)
	}

	if err := dc.Down(context.Background(), tc.RemoveOrphans(true)); err != nil {
		log.Printf("compose down: %v", err)
	}

	return result
}

// HTTP helpers.

func doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}

	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	return v
}

func getStatus(t *testing.T) statusResponse {
	t.Helper()

	resp := doGet(t, "/status")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status: got %d", resp.StatusCode)
	}
	return decodeJSON[statusResponse](t, resp)
}

// publish sends a broadcaster envelope the way the order service does.
func publish(t *testing.T, event, orderID, table string) {
	t.Helper()

	payload := fmt.Sprintf(
		`{"event":%q,"data":{"order_id":%q,"table_number":%q,"items":[]},"socket":null}`,
		event, orderID, table,
	)
	if err := broker.Publish(context.Background(), ordersChannel, payload).Err(); err != nil {
		t.Fatalf("publish %s: %v", event, err)
	}
}

// waitUnpaid polls /status until the unpaid order count reaches want.
func waitUnpaid(t *testing.T, want int) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	var last int
	for time.Now().Before(deadline) {
		last = getStatus(t).UnpaidOrders
		if last == want {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("unpaid orders: got %d, want %d", last, want)
}
