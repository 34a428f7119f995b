package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBroadcast(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    EventType
		id      ID
		err     error
	}{
		{
			name:    "object data",
			payload: `{"event":"order.created","data":{"order_id":5,"table_number":"2","items":[]},"socket":null}`,
			want:    EventCreated,
			id:      "5",
		},
		{
			name:    "string data",
			payload: `{"event":".order.paid","data":"{\"order_id\":\"p-1\"}"}`,
			want:    EventPaid,
			id:      "p-1",
		},
		{
			name:    "unknown event",
			payload: `{"event":"Illuminate\\Notifications\\Events\\BroadcastNotificationCreated","data":{}}`,
			err:     ErrUnknownEvent,
		},
		{
			name:    "missing order id",
			payload: `{"event":"order.items_added","data":{"items":[]}}`,
			err:     ErrMalformedEvent,
		},
		{
			name:    "not json",
			payload: `order.created`,
			err:     ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeBroadcast([]byte(tt.payload))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, tt.id, ev.Order.ID)
		})
	}
}
