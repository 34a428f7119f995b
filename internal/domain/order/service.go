package order

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

// ErrClosed is returned by Service operations after Close.
var ErrClosed = errors.New("order service closed")

// LoaderTable is the progress indicator shown while looking up a table's order.
const LoaderTable = "skeleton"

// Options holds optional Service dependencies. Zero values fall back to
// no-op implementations.
type Options struct {
	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Service owns the order ledger for one terminal session. Request results
// are handed back to callers; only FetchAllOrders and subscription events
// write to the ledger.
type Service struct {
	remote     Remote
	subscriber Subscriber
	ledger     *Ledger

	lg      *zap.Logger
	tracer  trace.Tracer
	applied metric.Int64Counter

	mu  sync.Mutex
	sub Subscription
	// subscribing is set while a Subscribe call is in flight without mu.
	subscribing bool
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
}

// NewService creates a Service with an empty ledger.
func NewService(remote Remote, subscriber Subscriber, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}

	s := &Service{
		remote:     remote,
		subscriber: subscriber,
		ledger:     NewLedger(),
		lg:         opts.Logger.Named("order"),
		tracer:     opts.TracerProvider.Tracer("pos-terminal/order"),
	}

	meter := opts.MeterProvider.Meter("pos-terminal/order")
	var err error
	if s.applied, err = meter.Int64Counter("pos.ledger.events",
		metric.WithDescription("Lifecycle events applied to the order ledger"),
	); err != nil {
		return nil, errors.Wrap(err, "ledger events counter")
	}
	if _, err := meter.Int64ObservableGauge("pos.ledger.unpaid",
		metric.WithDescription("Active (unpaid) orders in the ledger"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.ledger.Len()))
			return nil
		}),
	); err != nil {
		return nil, errors.Wrap(err, "ledger unpaid gauge")
	}

	return s, nil
}

// Orders returns the active orders, newest first.
func (s *Service) Orders() []Order { return s.ledger.Orders() }

// UnpaidCount returns the number of active orders.
func (s *Service) UnpaidCount() int { return s.ledger.Len() }

// FetchAllOrders replaces the ledger with the service's current list. On
// error the ledger is left as it was. A result arriving after Close is
// discarded.
func (s *Service) FetchAllOrders(ctx context.Context) ([]Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.FetchAllOrders")
	defer span.End()

	orders, err := s.remote.ListOrders(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list orders")
		return nil, errors.Wrap(err, "list orders")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	dropped := s.ledger.Replace(orders)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("orders", len(orders)))
	lg := s.lg.With(zap.Int("orders", len(orders)))
	if dropped > 0 {
		lg.Warn("Dropped paid or duplicate orders from snapshot", zap.Int("dropped", dropped))
	}
	lg.Debug("Ledger replaced")

	return s.ledger.Orders(), nil
}

// CreateOrder places an order. The ledger picks it up from the echoed
// created event, not from this response.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest, loader string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.CreateOrder")
	defer span.End()

	o, err := s.remote.CreateOrder(ctx, req, loader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order")
		return nil, errors.Wrap(err, "create order")
	}
	return o, nil
}

// FetchOrderByTable returns the open order for a table, or nil if the
// service has none.
func (s *Service) FetchOrderByTable(ctx context.Context, table pos.Ref) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.FetchOrderByTable",
		trace.WithAttributes(attribute.String("table", string(table))),
	)
	defer span.End()

	o, err := s.remote.OrderByTable(ctx, table)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order by table")
		return nil, errors.Wrapf(err, "order for table %s", table)
	}
	return o, nil
}

// PrintBillForPayment asks the service to print the bill for an order and
// returns it, ready for pos.Store.SelectBill. It never returns a nil bill
// without an error.
func (s *Service) PrintBillForPayment(ctx context.Context, id ID) (*pos.Bill, error) {
	ctx, span := s.tracer.Start(ctx, "order.PrintBillForPayment",
		trace.WithAttributes(attribute.String("order_id", string(id))),
	)
	defer span.End()

	b, err := s.remote.PrintBill(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "print bill")
		return nil, errors.Wrapf(err, "print bill %s", id)
	}
	if b == nil {
		b = &pos.Bill{OrderID: id, Items: []pos.Line{}}
	}
	return b, nil
}

// SubscribeToOrders starts consuming lifecycle events on Channel. Calling it
// while a subscription is active or being opened does nothing. The transport
// handshake runs without holding the service lock.
func (s *Service) SubscribeToOrders(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.sub != nil, s.subscribing:
		s.mu.Unlock()
		s.lg.Debug("Already subscribed to orders")
		return nil
	}
	s.subscribing = true
	s.mu.Unlock()

	sub, err := s.subscriber.Subscribe(ctx, Channel)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribing = false

	if err != nil {
		return errors.Wrap(err, "subscribe to orders")
	}
	if s.closed {
		if err := sub.Close(); err != nil {
			s.lg.Warn("Close subscription opened during shutdown", zap.Error(err))
		}
		return ErrClosed
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.sub, s.cancel, s.done = sub, cancel, done
	go s.consume(loopCtx, sub, done)

	s.lg.Info("Subscribed to orders", zap.String("channel", Channel))
	return nil
}

// UnsubscribeFromOrders stops consuming events and waits for the consumer to
// exit. The ledger is kept. It is safe to call when not subscribed.
func (s *Service) UnsubscribeFromOrders() error {
	s.mu.Lock()
	sub, cancel, done := s.sub, s.cancel, s.done
	s.sub, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}

	cancel()
	err := sub.Close()
	<-done

	s.lg.Info("Unsubscribed from orders")
	if err != nil {
		return errors.Wrap(err, "close subscription")
	}
	return nil
}

// Subscribed reports whether an event subscription is active.
func (s *Service) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// Close ends the session: it unsubscribes and makes in-flight
// FetchAllOrders calls discard their results.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.UnsubscribeFromOrders()
}

func (s *Service) consume(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.detach(sub)
				return
			}
			s.handle(ctx, ev)
		}
	}
}

// detach forgets a subscription whose transport ended on its own.
func (s *Service) detach(sub Subscription) {
	s.mu.Lock()
	current := s.sub == sub
	if current {
		s.cancel()
		s.sub, s.cancel, s.done = nil, nil, nil
	}
	s.mu.Unlock()

	if !current {
		return
	}
	s.lg.Warn("Order subscription ended by transport")
	if err := sub.Close(); err != nil {
		s.lg.Warn("Close ended subscription", zap.Error(err))
	}
}

func (s *Service) handle(ctx context.Context, ev Event) {
	if ev.Type == EventResync {
		s.lg.Info("Resyncing ledger after reconnect")
		_, err := s.FetchAllOrders(ctx)
		switch {
		case err == nil, errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		default:
			s.lg.Error("Resync ledger", zap.Error(err))
		}
		return
	}

	outcome := s.ledger.Apply(ev)
	s.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(ev.Type)),
		attribute.String("outcome", string(outcome)),
	))
	s.lg.Debug("Applied order event",
		zap.String("event", string(ev.Type)),
		zap.String("order_id", string(ev.Order.ID)),
		zap.String("outcome", string(outcome)),
	)
}
