package pos

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidQuantity is returned when a line is added with qty <= 0.
var ErrInvalidQuantity = errors.New("quantity must be greater than 0")

// Store owns the cart, bill and payment selection of one terminal session.
// It is the only writer of that state; every mutation of a persisted field
// is written through to Storage before the call returns.
type Store struct {
	storage Storage
	lg      *zap.Logger

	mu            sync.Mutex
	cart          []Line
	paymentMethod PaymentMethod
	selectedStore *StoreFront
	selectedTable *Table

	// Not persisted.
	bill     *Bill
	billView bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Store) { s.lg = lg }
}

// Open creates a Store and rehydrates it from storage. A missing or corrupt
// snapshot yields default state; any other storage error is returned.
func Open(ctx context.Context, storage Storage, opts ...Option) (*Store, error) {
	s := &Store{
		storage:       storage,
		lg:            zap.NewNop(),
		cart:          []Line{},
		paymentMethod: DefaultPaymentMethod,
	}
	for _, o := range opts {
		o(s)
	}

	snap, err := storage.Load(ctx)
	switch {
	case err == nil:
		s.restore(*snap)
		s.lg.Info("Rehydrated pos state",
			zap.Int("cart_lines", len(s.cart)),
			zap.String("payment_method", string(s.paymentMethod)),
		)
	case errors.Is(err, ErrNoSnapshot):
		s.lg.Info("No persisted pos state, starting fresh")
	case errors.Is(err, ErrCorruptSnapshot):
		s.lg.Warn("Discarding corrupt pos state", zap.Error(err))
	default:
		return nil, errors.Wrap(err, "load pos state")
	}

	return s, nil
}

func (s *Store) restore(snap Snapshot) {
	snap = snap.Clone()
	s.cart = make([]Line, len(snap.Cart))
	for i, l := range snap.Cart {
		s.cart[i] = l.Canonical()
	}
	if snap.PaymentMethod != "" {
		s.paymentMethod = snap.PaymentMethod
	}
	s.selectedStore = snap.SelectedStore
	s.selectedTable = snap.SelectedTable
}

// Snapshot returns a copy of the persisted subset.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Cart:          s.cart,
		PaymentMethod: s.paymentMethod,
		SelectedStore: s.selectedStore,
		SelectedTable: s.selectedTable,
	}.Clone()
}

func (s *Store) persistLocked(ctx context.Context) error {
	if err := s.storage.Save(ctx, s.snapshotLocked()); err != nil {
		return errors.Wrap(err, "persist pos state")
	}
	return nil
}

// SelectStore switches the storefront. The cart and table belong to the
// previous storefront and are cleared.
func (s *Store) SelectStore(ctx context.Context, store StoreFront) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectedStore = &store
	s.cart = []Line{}
	s.selectedTable = nil
	return s.persistLocked(ctx)
}

// SelectTable records the table the cart is built for.
func (s *Store) SelectTable(ctx context.Context, table Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectedTable = &table
	return s.persistLocked(ctx)
}

// SelectBill enters bill view: the bill's items become the active items and
// the cart and table are cleared.
func (s *Store) SelectBill(ctx context.Context, bill Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := bill.Clone()
	s.bill = &b
	s.billView = true
	s.selectedTable = nil
	s.cart = []Line{}
	return s.persistLocked(ctx)
}

// ClearBill leaves bill view.
func (s *Store) ClearBill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bill = nil
	s.billView = false
}

// AddToCart leaves bill view and adds line to the cart, merging quantities
// into an existing line with the same key. The cart keeps its own copy, in
// canonical form.
func (s *Store) AddToCart(ctx context.Context, line Line) error {
	if line.Qty <= 0 {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bill = nil
	s.billView = false

	line = line.Canonical()
	key := line.Key()
	for i := range s.cart {
		if s.cart[i].Key() == key {
			s.cart[i].Qty += line.Qty
			return s.persistLocked(ctx)
		}
	}
	s.cart = append(s.cart, line)
	return s.persistLocked(ctx)
}

// UpdateQty sets the quantity of the first line with the given product ID.
// A quantity <= 0 removes the product. Unknown IDs are ignored.
func (s *Store) UpdateQty(ctx context.Context, id int64, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cart {
		if s.cart[i].ID != id {
			continue
		}
		if qty <= 0 {
			s.removeLocked(id)
		} else {
			s.cart[i].Qty = qty
		}
		return s.persistLocked(ctx)
	}
	return nil
}

// RemoveFromCart removes every line with the given product ID, whatever its
// customizations.
func (s *Store) RemoveFromCart(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
	return s.persistLocked(ctx)
}

func (s *Store) removeLocked(id int64) {
	kept := s.cart[:0]
	for _, l := range s.cart {
		if l.ID != id {
			kept = append(kept, l)
		}
	}
	s.cart = kept
}

// ClearCart empties the cart.
func (s *Store) ClearCart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cart = []Line{}
	return s.persistLocked(ctx)
}

// SetPaymentMethod selects a payment method. Selecting the current method
// does not write to storage.
func (s *Store) SetPaymentMethod(ctx context.Context, m PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paymentMethod == m {
		return nil
	}
	s.paymentMethod = m
	return s.persistLocked(ctx)
}

// Cart returns a copy of the cart lines.
func (s *Store) Cart() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneLines(s.cart)
}

// Bill returns the bill under review, if any.
func (s *Store) Bill() (Bill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bill == nil {
		return Bill{}, false
	}
	return s.bill.Clone(), true
}

// InBillView reports whether the active items come from a bill.
func (s *Store) InBillView() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.billView
}

// PaymentMethod returns the selected payment method.
func (s *Store) PaymentMethod() PaymentMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentMethod
}

// SelectedStore returns the current storefront.
func (s *Store) SelectedStore() (StoreFront, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectedStore == nil {
		return StoreFront{}, false
	}
	return *s.selectedStore, true
}

// SelectedTable returns the current table.
func (s *Store) SelectedTable() (Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selectedTable == nil {
		return Table{}, false
	}
	return *s.selectedTable, true
}

// ActiveItems returns the bill items in bill view and the cart otherwise.
func (s *Store) ActiveItems() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneLines(s.activeLocked())
}

func (s *Store) activeLocked() []Line {
	if s.billView && s.bill != nil {
		return s.bill.Items
	}
	return s.cart
}

// Subtotal is Σ price × qty over the active items.
func (s *Store) Subtotal() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sum(s.activeLocked())
}

// Total is the amount due. No taxes or discounts are applied yet, so it
// equals Subtotal.
func (s *Store) Total() decimal.Decimal {
	return s.Subtotal()
}
