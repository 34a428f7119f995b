// Package orderapi is the HTTP client for the order service.
//
// Every response is an envelope of the form {"data": ...}. A missing or null
// data field is treated as an empty result rather than an error.
package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/pos-terminal/internal/domain/order"
	"github.com/xenking/pos-terminal/internal/domain/pos"
)

var _ order.Remote = (*Client)(nil)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 8 << 20

// LoadingObserver is notified around requests that carry a loading tag, so a
// front-end can show the matching progress indicator.
type LoadingObserver interface {
	Begin(tag string)
	End(tag string)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("order service: status %d", e.Code)
	}
	return fmt.Sprintf("order service: status %d: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration

	Observer       LoadingObserver
	Transport      http.RoundTripper
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Client implements order.Remote over HTTP.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	observer LoadingObserver
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	var otelOpts []otelhttp.Option
	if cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(cfg.MeterProvider))
	}

	return &Client{
		base:  base,
		token: cfg.Token,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport, otelOpts...),
			Timeout:   cfg.Timeout,
		},
		observer: cfg.Observer,
	}, nil
}

// ListOrders fetches all active orders.
func (c *Client) ListOrders(ctx context.Context) ([]order.Order, error) {
	data, err := c.do(ctx, http.MethodGet, "/orders", nil, "")
	if err != nil {
		return nil, err
	}
	orders := []order.Order{}
	if data == nil {
		return orders, nil
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}
	if orders == nil {
		orders = []order.Order{}
	}
	return orders, nil
}

// CreateOrder places an order.
func (c *Client) CreateOrder(ctx context.Context, req order.CreateRequest, loader string) (*order.Order, error) {
	data, err := c.do(ctx, http.MethodPost, "/orders", req, loader)
	if err != nil {
		return nil, err
	}
	return decodeOrder(data)
}

// OrderByTable fetches the open order for a table. It returns nil when the
// service reports none.
func (c *Client) OrderByTable(ctx context.Context, table pos.Ref) (*order.Order, error) {
	data, err := c.do(ctx, http.MethodGet, "/orders/by-table/"+url.PathEscape(string(table)), nil, order.LoaderTable)
	if err != nil {
		return nil, err
	}
	return decodeOrder(data)
}

// PrintBill prints the bill for an order and returns it. An absent bill is
// returned as an empty one for id.
func (c *Client) PrintBill(ctx context.Context, id order.ID) (*pos.Bill, error) {
	data, err := c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(string(id))+"/print-bill", nil, "")
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &pos.Bill{OrderID: id, Items: []pos.Line{}}, nil
	}
	var b pos.Bill
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(err, "decode bill")
	}
	if b.Items == nil {
		b.Items = []pos.Line{}
	}
	return &b, nil
}

func decodeOrder(data []byte) (*order.Order, error) {
	if data == nil {
		return nil, nil
	}
	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	return &o, nil
}

// do performs a request and returns the raw envelope data, nil if absent.
func (c *Client) do(ctx context.Context, method, path string, body any, loader string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if loader != "" && c.observer != nil {
		c.observer.Begin(loader)
		defer c.observer.End(loader)
	}

	lg := zctx.From(ctx).With(
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		lg.Warn("Order service error", zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Code: resp.StatusCode, Message: envelopeMessage(raw)}
	}
	lg.Debug("Order service response", zap.Int("status", resp.StatusCode))

	data, err := envelopeData(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return data, nil
}

// envelopeData extracts the data field of a response envelope. It returns
// nil when the body is empty, not an object, or has no non-null data.
func envelopeData(body []byte) ([]byte, error) {
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return nil, nil
	}

	var data []byte
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "data" {
			return d.Skip()
		}
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		if raw.Type() != jx.Null {
			data = append([]byte(nil), raw...)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return data, nil
}

// envelopeMessage extracts the message field of an error body, if any.
func envelopeMessage(body []byte) string {
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return ""
	}
	var msg string
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "message" || d.Next() != jx.String {
			return d.Skip()
		}
		s, err := d.Str()
		msg = s
		return err
	})
	return msg
}
