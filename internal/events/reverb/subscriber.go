// Package reverb subscribes to order events over a Pusher-protocol websocket
// server such as Laravel Reverb or Soketi.
package reverb

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xenking/pos-terminal/internal/domain/order"
)

var _ order.Subscriber = (*Subscriber)(nil)

const writeWait = 5 * time.Second

var errClosed = errors.New("subscription closed")

// Config configures a Subscriber.
type Config struct {
	// URL is the application endpoint, e.g. ws://localhost:8080/app/app-key.
	URL string
	// MaxRetries is how many reconnects are attempted before the
	// subscription gives up.
	MaxRetries int
	// RetryDelay grows linearly with each attempt.
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
}

// Subscriber opens websocket subscriptions.
type Subscriber struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer
	lg     *zap.Logger
}

// New creates a Subscriber.
func New(cfg Config) (*Subscriber, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("protocol") == "" {
		q.Set("protocol", "7")
	}
	if q.Get("client") == "" {
		q.Set("client", "pos-terminal")
	}
	u.RawQuery = q.Encode()

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	return &Subscriber{
		url:    u.String(),
		cfg:    cfg,
		dialer: dialer,
		lg:     lg.Named("reverb"),
	}, nil
}

// Subscribe connects and joins channel. The returned subscription reconnects
// on its own and emits order.EventResync after each successful reconnect.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (order.Subscription, error) {
	conn, activity, err := s.connect(ctx, channel)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		s:       s,
		channel: channel,
		lg:      s.lg.With(zap.String("channel", channel)),
		events:  make(chan order.Event, 16),
		ctx:     subCtx,
		cancel:  cancel,
		conn:    conn,
	}
	go sub.run(conn, activity)

	sub.lg.Info("Subscribed", zap.Duration("activity_timeout", activity))
	return sub, nil
}

// connect dials and completes the connection and subscribe handshake.
func (s *Subscriber) connect(ctx context.Context, channel string) (*websocket.Conn, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "dial")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	activity, err := handshake(conn, channel)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	return conn, activity, nil
}

func handshake(conn *websocket.Conn, channel string) (time.Duration, error) {
	f, err := readFrame(conn)
	if err != nil {
		return 0, errors.Wrap(err, "read greeting")
	}
	if f.Event != eventConnectionEstablished {
		return 0, errors.Errorf("unexpected greeting %q", f.Event)
	}
	activity := activityTimeout(f.Data)

	if err := conn.WriteMessage(websocket.TextMessage, channelFrame(eventSubscribe, channel)); err != nil {
		return 0, errors.Wrap(err, "send subscribe")
	}
	for {
		f, err := readFrame(conn)
		if err != nil {
			return 0, errors.Wrap(err, "await subscription")
		}
		switch f.Event {
		case eventSubscriptionSucceeded:
			if f.Channel == channel {
				return activity, nil
			}
		case eventError:
			return 0, errors.Errorf("subscribe rejected: %s", f.Data)
		}
	}
}

func readFrame(conn *websocket.Conn) (frame, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	return decodeFrame(msg)
}

type subscription struct {
	s       *Subscriber
	channel string
	lg      *zap.Logger
	events  chan order.Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// mu guards conn and serializes writes to it.
	mu   sync.Mutex
	conn *websocket.Conn
}

func (sub *subscription) Events() <-chan order.Event { return sub.events }

// Close unsubscribes and closes the connection. The events channel is closed
// once the reader exits.
func (sub *subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		sub.cancel()

		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.conn == nil {
			return
		}
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if werr := sub.conn.WriteMessage(websocket.TextMessage, channelFrame(eventUnsubscribe, sub.channel)); werr != nil {
			sub.lg.Debug("Send unsubscribe", zap.Error(werr))
		}
		err = sub.conn.Close()
		sub.conn = nil
	})
	if err != nil {
		return errors.Wrap(err, "close websocket")
	}
	return nil
}

func (sub *subscription) run(conn *websocket.Conn, activity time.Duration) {
	defer close(sub.events)

	for {
		err := sub.serve(conn, activity)
		if sub.ctx.Err() != nil {
			return
		}
		sub.lg.Warn("Connection lost", zap.Error(err))
		sub.dropConn(conn)

		conn, activity, err = sub.reconnect()
		if err != nil {
			if !errors.Is(err, errClosed) {
				sub.lg.Error("Giving up on subscription", zap.Error(err))
			}
			return
		}
		sub.lg.Info("Reconnected")
		if !sub.deliver(order.Event{Type: order.EventResync}) {
			return
		}
	}
}

// serve reads frames until the connection fails or the subscription closes.
func (sub *subscription) serve(conn *websocket.Conn, activity time.Duration) error {
	stop := make(chan struct{})
	defer close(stop)
	go sub.keepalive(conn, activity, stop)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * activity))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := decodeFrame(msg)
		if err != nil {
			sub.lg.Warn("Skip frame", zap.Error(err))
			continue
		}
		if !sub.handle(conn, f) {
			return errClosed
		}
	}
}

// handle processes one frame. It returns false once the subscription is
// closed.
func (sub *subscription) handle(conn *websocket.Conn, f frame) bool {
	switch f.Event {
	case eventPing:
		if err := sub.write(conn, encodeFrame(eventPong, nil)); err != nil {
			sub.lg.Debug("Send pong", zap.Error(err))
		}
		return true
	case eventPong, eventSubscriptionSucceeded, eventConnectionEstablished:
		return true
	case eventError:
		sub.lg.Warn("Server error", zap.ByteString("data", f.Data))
		return true
	}
	if f.Channel != sub.channel {
		return true
	}

	ev, err := order.ParseEvent(f.Event, f.Data)
	switch {
	case errors.Is(err, order.ErrUnknownEvent):
		sub.lg.Debug("Ignore event", zap.String("event", f.Event))
		return true
	case err != nil:
		sub.lg.Warn("Drop malformed event", zap.String("event", f.Event), zap.Error(err))
		return true
	}
	return sub.deliver(ev)
}

func (sub *subscription) deliver(ev order.Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-sub.ctx.Done():
		return false
	}
}

func (sub *subscription) keepalive(conn *websocket.Conn, activity time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(activity)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sub.ctx.Done():
			return
		case <-t.C:
			if err := sub.write(conn, encodeFrame(eventPing, nil)); err != nil {
				sub.lg.Debug("Send ping", zap.Error(err))
				return
			}
		}
	}
}

// write sends a message on conn if it is still the live connection.
func (sub *subscription) write(conn *websocket.Conn, msg []byte) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.conn != conn {
		return errClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (sub *subscription) dropConn(conn *websocket.Conn) {
	sub.mu.Lock()
	if sub.conn == conn {
		sub.conn = nil
	}
	sub.mu.Unlock()
	_ = conn.Close()
}

// setConn installs a reconnected conn unless the subscription was closed
// meanwhile.
func (sub *subscription) setConn(conn *websocket.Conn) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.ctx.Err() != nil {
		return false
	}
	sub.conn = conn
	return true
}

func (sub *subscription) reconnect() (*websocket.Conn, time.Duration, error) {
	var lastErr error
	for attempt := 1; attempt <= sub.s.cfg.MaxRetries; attempt++ {
		wait := time.Duration(attempt) * sub.s.cfg.RetryDelay
		timer := time.NewTimer(wait)
		select {
		case <-sub.ctx.Done():
			timer.Stop()
			return nil, 0, errClosed
		case <-timer.C:
		}

		conn, activity, err := sub.s.connect(sub.ctx, sub.channel)
		if err != nil {
			lastErr = err
			sub.lg.Warn("Reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			continue
		}
		if !sub.setConn(conn) {
			_ = conn.Close()
			return nil, 0, errClosed
		}
		return conn, activity, nil
	}
	return nil, 0, errors.Wrapf(lastErr, "reconnect after %d attempts", sub.s.cfg.MaxRetries)
}
