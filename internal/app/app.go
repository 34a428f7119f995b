package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pos-terminal/internal/domain/order"
	"github.com/xenking/pos-terminal/internal/domain/pos"
	"github.com/xenking/pos-terminal/internal/events/redisbus"
	"github.com/xenking/pos-terminal/internal/events/reverb"
	"github.com/xenking/pos-terminal/internal/orderapi"
	"github.com/xenking/pos-terminal/internal/storage/postgres"
	redisstorage "github.com/xenking/pos-terminal/internal/storage/redis"
	"github.com/xenking/pos-terminal/internal/storage/sqlite"
	"github.com/xenking/pos-terminal/pkg/health"
	"github.com/xenking/pos-terminal/pkg/httpmiddleware"
)

// Run wires one terminal session: persisted cart state, the order ledger and
// its event subscription, and the health/status server. It returns once ctx
// is cancelled and everything has been torn down.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("events", cfg.Events.Driver),
	)

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer closeStorage()

	store, err := pos.Open(ctx, storage, pos.WithLogger(lg))
	if err != nil {
		return errors.Wrap(err, "open pos store")
	}

	remote, err := orderapi.New(orderapi.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		Timeout:        cfg.API.Timeout,
		Observer:       loaderLog{lg: lg.Named("loader")},
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create order client")
	}

	subscriber, closeSubscriber, err := openSubscriber(cfg, lg)
	if err != nil {
		return errors.Wrap(err, "create event subscriber")
	}
	defer closeSubscriber()

	svc, err := order.NewService(remote, subscriber, order.Options{
		Logger:         lg,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			lg.Warn("Close order service", zap.Error(err))
		}
	}()

	if _, err := svc.FetchAllOrders(ctx); err != nil {
		lg.Warn("Initial order fetch failed", zap.Error(err))
	}
	if err := svc.SubscribeToOrders(ctx); err != nil {
		return errors.Wrap(err, "subscribe to orders")
	}

	checker := newChecker(storage.Ping, svc)
	checker.Start(ctx, 10*time.Second)
	defer checker.Stop()
	checker.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(newHandler(lg, checker, store, svc), "pos-terminal",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		watchSubscription(gctx, lg, svc, cfg.Events.Resubscribe)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		checker.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		select {
		case <-time.After(cfg.Graceful.ReadinessDelay):
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := svc.Close(); err != nil {
			lg.Warn("Close order service", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// newChecker registers the terminal's health checks. Readiness follows both the
// state storage and the order subscription, since a terminal that misses
// broadcasts shows stale unpaid orders.
func newChecker(pingStorage health.CheckFunc, svc *order.Service) *health.Checker {
	checker := health.New()
	checker.Add(health.Readiness, "storage", 5*time.Second, pingStorage)
	checker.Add(health.Readiness, "orders", time.Second,
		health.Condition(svc.Subscribed, "order subscription is down"))
	checker.Add(health.Liveness, "goroutines", time.Second, health.GoroutineLimit(10000))
	return checker
}

// newHandler mounts the health endpoints and /status behind the request middlewares.
func newHandler(lg *zap.Logger, checker *health.Checker, store *pos.Store, svc *order.Service) http.Handler {
	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("/status", statusHandler(store, svc))

	return httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(lg.Named("http")),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.LogRequests("/livez", "/readyz"),
	)
}

// stateStorage is a pos.Storage with a reachability check.
type stateStorage interface {
	pos.Storage
	Ping(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg *Config) (stateStorage, func(), error) {
	switch cfg.Storage.Driver {
	case StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.Storage.Path, cfg.StorageKey)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case StorageRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
		return redisstorage.New(client, cfg.StorageKey), func() { _ = client.Close() }, nil
	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewStateRepository(pool, cfg.StorageKey), pool.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openSubscriber(cfg *Config, lg *zap.Logger) (order.Subscriber, func(), error) {
	switch cfg.Events.Driver {
	case EventsReverb:
		s, err := reverb.New(reverb.Config{
			URL:        cfg.Events.URL,
			MaxRetries: cfg.Events.MaxRetries,
			RetryDelay: cfg.Events.RetryDelay,
			Logger:     lg,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case EventsRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Events.RedisAddr})
		return redisbus.New(client, cfg.Events.Prefix, lg), func() { _ = client.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown events driver %q", cfg.Events.Driver)
	}
}

// watchSubscription resubscribes and reloads the ledger whenever the event
// transport has given up.
func watchSubscription(ctx context.Context, lg *zap.Logger, svc *order.Service, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if svc.Subscribed() {
			continue
		}

		lg.Info("Order subscription is down, resubscribing")
		if err := svc.SubscribeToOrders(ctx); err != nil {
			if errors.Is(err, order.ErrClosed) {
				return
			}
			lg.Warn("Resubscribe failed", zap.Error(err))
			continue
		}
		if _, err := svc.FetchAllOrders(ctx); err != nil && !errors.Is(err, order.ErrClosed) {
			lg.Warn("Reload orders after resubscribe", zap.Error(err))
		}
	}
}

// loaderLog reports loading indicators to the log; a terminal front-end
// would toggle its spinner or skeleton here.
type loaderLog struct {
	lg *zap.Logger
}

func (l loaderLog) Begin(tag string) { l.lg.Debug("Loading", zap.String("tag", tag)) }
func (l loaderLog) End(tag string)   { l.lg.Debug("Loaded", zap.String("tag", tag)) }
