package app

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/pos-terminal/internal/domain/order"
	"github.com/xenking/pos-terminal/internal/domain/pos"
)

// statusHandler reports the terminal's current view: selections, the active
// items with totals, and the unpaid order count.
func statusHandler(store *pos.Store, svc *order.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		e := &jx.Encoder{}
		encodeStatus(e, store, svc)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(e.Bytes())
	})
}

func encodeStatus(e *jx.Encoder, store *pos.Store, svc *order.Service) {
	view := "cart"
	if store.InBillView() {
		view = "bill"
	}
	items := store.ActiveItems()

	e.Obj(func(e *jx.Encoder) {
		e.Field("view", func(e *jx.Encoder) { e.Str(view) })
		e.Field("payment_method", func(e *jx.Encoder) { e.Str(string(store.PaymentMethod())) })
		e.Field("store", func(e *jx.Encoder) {
			sf, ok := store.SelectedStore()
			if !ok {
				e.Null()
				return
			}
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Int64(sf.ID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(sf.Name) })
				e.Field("type", func(e *jx.Encoder) { e.Str(sf.Type) })
			})
		})
		e.Field("table", func(e *jx.Encoder) {
			t, ok := store.SelectedTable()
			if !ok {
				e.Null()
				return
			}
			e.Str(string(t.Number))
		})
		if b, ok := store.Bill(); ok {
			e.Field("bill_order_id", func(e *jx.Encoder) { e.Str(string(b.OrderID)) })
		}
		e.Field("items", func(e *jx.Encoder) { e.Int(len(items)) })
		e.Field("subtotal", func(e *jx.Encoder) { e.Str(store.Subtotal().StringFixed(2)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(store.Total().StringFixed(2)) })
		e.Field("unpaid_orders", func(e *jx.Encoder) { e.Int(svc.UnpaidCount()) })
		e.Field("subscribed", func(e *jx.Encoder) { e.Bool(svc.Subscribed()) })
	})
}
