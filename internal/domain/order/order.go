// Package order keeps the terminal's view of active (unpaid) orders
// consistent with the order service and its lifecycle event stream.
package order

import (
	"context"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

// ID identifies an order for its whole lifecycle.
type ID = pos.Ref

// Status is the lifecycle stage reported by the order service.
type Status string

const (
	StatusCreated    Status = "created"
	StatusItemsAdded Status = "items_added"
	StatusPaid       Status = "paid"
)

// Order is an order snapshot as delivered by the order service.
type Order struct {
	ID          ID         `json:"order_id"`
	TableNumber pos.Ref    `json:"table_number"`
	Items       []pos.Line `json:"items"`
	Status      Status     `json:"status,omitempty"`
	Version     int64      `json:"version,omitempty"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	c := o
	c.Items = pos.CloneLines(o.Items)
	return c
}

// CreateRequest is the body of an order placement.
type CreateRequest struct {
	Table         pos.Ref           `json:"table"`
	Items         []pos.Line        `json:"items"`
	PaymentMethod pos.PaymentMethod `json:"payment_method,omitempty"`
	StoreID       int64             `json:"store_id,omitempty"`
}

// NewCreateRequest builds a placement request from the terminal's persisted
// state.
func NewCreateRequest(snap pos.Snapshot) CreateRequest {
	req := CreateRequest{
		Items:         pos.CloneLines(snap.Cart),
		PaymentMethod: snap.PaymentMethod,
	}
	if snap.SelectedTable != nil {
		req.Table = snap.SelectedTable.Number
	}
	if snap.SelectedStore != nil {
		req.StoreID = snap.SelectedStore.ID
	}
	return req
}

// Remote is the order service request/response API.
type Remote interface {
	ListOrders(ctx context.Context) ([]Order, error)
	// CreateOrder places an order. loader names the progress indicator the
	// caller shows while the request is in flight.
	CreateOrder(ctx context.Context, req CreateRequest, loader string) (*Order, error)
	OrderByTable(ctx context.Context, table pos.Ref) (*Order, error)
	PrintBill(ctx context.Context, id ID) (*pos.Bill, error)
}
