package order

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Channel is the logical channel order lifecycle events are broadcast on.
const Channel = "orders"

// EventType is the business name of a lifecycle event.
type EventType string

const (
	EventCreated    EventType = "order.created"
	EventItemsAdded EventType = "order.items_added"
	EventPaid       EventType = "order.paid"
	// EventResync is emitted by transports after a reconnect, when events
	// may have been missed. It carries no order.
	EventResync EventType = "resync"
)

var (
	// ErrUnknownEvent is returned for event names outside the order lifecycle.
	ErrUnknownEvent = errors.New("unknown order event")
	// ErrMalformedEvent is returned for payloads that are not an order.
	ErrMalformedEvent = errors.New("malformed order event")
)

// Event is an inbound lifecycle event. Order is a full snapshot.
type Event struct {
	Type  EventType
	Order Order
}

// ParseEventType maps a broadcast event name to an EventType. A leading dot
// (channel binding syntax) is ignored.
func ParseEventType(name string) (EventType, error) {
	switch t := EventType(strings.TrimPrefix(name, ".")); t {
	case EventCreated, EventItemsAdded, EventPaid:
		return t, nil
	default:
		return "", errors.Wrapf(ErrUnknownEvent, "%q", name)
	}
}

// ParseEvent decodes a named event with a JSON order payload.
func ParseEvent(name string, payload []byte) (Event, error) {
	t, err := ParseEventType(name)
	if err != nil {
		return Event{}, err
	}
	var o Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "%s: %v", t, err)
	}
	if o.ID == "" {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "%s: missing order_id", t)
	}
	return Event{Type: t, Order: o}, nil
}

// DecodeBroadcast parses a broadcaster envelope of the form
// {"event": name, "data": order, "socket": ...}. data may be an object or a
// JSON-encoded string.
func DecodeBroadcast(payload []byte) (Event, error) {
	var (
		name string
		data []byte
	)
	d := jx.DecodeBytes(payload)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "event":
			s, err := d.Str()
			name = s
			return err
		case "data":
			if d.Next() == jx.String {
				s, err := d.Str()
				data = []byte(s)
				return err
			}
			raw, err := d.Raw()
			data = append([]byte(nil), raw...)
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "envelope: %v", err)
	}
	return ParseEvent(name, data)
}

// Subscriber opens event subscriptions on a logical channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live event stream. Events is closed once the
// subscription ends, either by Close or by the transport giving up.
type Subscription interface {
	Events() <-chan Event
	// Close releases the subscription. It is safe to call more than once.
	Close() error
}
