// Package redisbus subscribes to order events published by a Laravel-style
// Redis broadcaster: each message is {"event": ..., "data": ..., "socket": ...}
// on channel prefix+name.
package redisbus

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/pos-terminal/internal/domain/order"
)

var _ order.Subscriber = (*Subscriber)(nil)

// Subscriber opens Redis pub/sub subscriptions.
type Subscriber struct {
	client *goredis.Client
	prefix string
	lg     *zap.Logger
}

// New creates a Subscriber. prefix is prepended to every channel name.
func New(client *goredis.Client, prefix string, lg *zap.Logger) *Subscriber {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Subscriber{client: client, prefix: prefix, lg: lg.Named("redisbus")}
}

// Subscribe joins channel and waits for the server to confirm. The client
// re-subscribes by itself after a dropped connection; each re-subscription
// is reported as order.EventResync.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (order.Subscription, error) {
	name := s.prefix + channel
	ps := s.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", name)
	}

	sub := &subscription{
		ps:     ps,
		lg:     s.lg.With(zap.String("channel", name)),
		events: make(chan order.Event, 16),
		done:   make(chan struct{}),
	}
	go sub.run()

	sub.lg.Info("Subscribed")
	return sub, nil
}

type subscription struct {
	ps     *goredis.PubSub
	lg     *zap.Logger
	events chan order.Event

	done      chan struct{}
	closeOnce sync.Once
}

func (sub *subscription) Events() <-chan order.Event { return sub.events }

func (sub *subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		close(sub.done)
		err = sub.ps.Close()
	})
	if err != nil {
		return errors.Wrap(err, "close pubsub")
	}
	return nil
}

func (sub *subscription) run() {
	defer close(sub.events)

	for msg := range sub.ps.ChannelWithSubscriptions() {
		var ev order.Event
		switch m := msg.(type) {
		case *goredis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			sub.lg.Info("Resubscribed")
			ev = order.Event{Type: order.EventResync}
		case *goredis.Message:
			var err error
			ev, err = order.DecodeBroadcast([]byte(m.Payload))
			switch {
			case errors.Is(err, order.ErrUnknownEvent):
				sub.lg.Debug("Ignore event", zap.Error(err))
				continue
			case err != nil:
				sub.lg.Warn("Drop malformed event", zap.Error(err))
				continue
			}
		default:
			continue
		}

		select {
		case sub.events <- ev:
		case <-sub.done:
			return
		}
	}
}
