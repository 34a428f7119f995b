package reverb

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Protocol events.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

const defaultActivityTimeout = 30 * time.Second

// frame is a single protocol message. Data holds the JSON payload, already
// unwrapped when the server sent it as an encoded string.
type frame struct {
	Event   string
	Channel string
	Data    []byte
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	d := jx.DecodeBytes(b)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "event":
			s, err := d.Str()
			f.Event = s
			return err
		case "channel":
			s, err := d.Str()
			f.Channel = s
			return err
		case "data":
			switch d.Next() {
			case jx.String:
				s, err := d.Str()
				f.Data = []byte(s)
				return err
			case jx.Null:
				return d.Null()
			default:
				raw, err := d.Raw()
				f.Data = append([]byte(nil), raw...)
				return err
			}
		default:
			return d.Skip()
		}
	}); err != nil {
		return frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Event == "" {
		return frame{}, errors.New("frame without event")
	}
	return f, nil
}

func encodeFrame(event string, data func(e *jx.Encoder)) []byte {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("event", func(e *jx.Encoder) {
			e.Str(event)
		})
		e.Field("data", func(e *jx.Encoder) {
			if data == nil {
				e.ObjEmpty()
				return
			}
			data(e)
		})
	})
	return e.Bytes()
}

func channelFrame(event, channel string) []byte {
	return encodeFrame(event, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("channel", func(e *jx.Encoder) {
				e.Str(channel)
			})
		})
	})
}

// activityTimeout reads activity_timeout (seconds) from a
// connection_established payload.
func activityTimeout(data []byte) time.Duration {
	timeout := defaultActivityTimeout
	if len(data) == 0 {
		return timeout
	}
	d := jx.DecodeBytes(data)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "activity_timeout" || d.Next() != jx.Number {
			return d.Skip()
		}
		n, err := d.Int()
		if err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
		return err
	})
	return timeout
}
