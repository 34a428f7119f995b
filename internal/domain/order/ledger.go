package order

import "sync"

// Outcome describes what applying an event did to the ledger.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeRecovered Outcome = "recovered"
	OutcomeRemoved   Outcome = "removed"
	OutcomeIgnored   Outcome = "ignored"
)

// Ledger is the ordered list of active orders, newest first. Order IDs are
// unique and paid orders are never kept.
//
// Apply is the single reconciliation entry point for lifecycle events. It is
// idempotent for created, heals a missed created on items_added, and drops
// orders on paid. It cannot detect a paid that overtakes a later
// items_added for the same order: the order is re-inserted and stays until
// the next Replace.
type Ledger struct {
	mu     sync.RWMutex
	orders []Order
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{orders: []Order{}}
}

// Replace swaps the whole ledger for an authoritative snapshot. Paid orders
// and repeated IDs (after the first) are dropped; the number dropped is
// returned.
func (l *Ledger) Replace(orders []Order) int {
	next := make([]Order, 0, len(orders))
	seen := make(map[ID]struct{}, len(orders))
	for _, o := range orders {
		if o.Status == StatusPaid {
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		next = append(next, o.Clone())
	}

	l.mu.Lock()
	l.orders = next
	l.mu.Unlock()

	return len(orders) - len(next)
}

// Apply merges one lifecycle event.
func (l *Ledger) Apply(ev Event) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(ev.Order.ID)
	switch ev.Type {
	case EventCreated:
		if idx >= 0 {
			return OutcomeIgnored
		}
		l.prependLocked(ev.Order)
		return OutcomeInserted
	case EventItemsAdded:
		if idx >= 0 {
			l.orders[idx] = ev.Order.Clone()
			return OutcomeReplaced
		}
		l.prependLocked(ev.Order)
		return OutcomeRecovered
	case EventPaid:
		if idx < 0 {
			return OutcomeIgnored
		}
		l.orders = append(l.orders[:idx:idx], l.orders[idx+1:]...)
		return OutcomeRemoved
	default:
		return OutcomeIgnored
	}
}

func (l *Ledger) indexLocked(id ID) int {
	for i := range l.orders {
		if l.orders[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) prependLocked(o Order) {
	next := make([]Order, 0, len(l.orders)+1)
	next = append(next, o.Clone())
	l.orders = append(next, l.orders...)
}

// Orders returns a copy of the ledger, newest first.
func (l *Ledger) Orders() []Order {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Order, len(l.orders))
	for i, o := range l.orders {
		out[i] = o.Clone()
	}
	return out
}

// Get returns the order with the given ID.
func (l *Ledger) Get(id ID) (Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if idx := l.indexLocked(id); idx >= 0 {
		return l.orders[idx].Clone(), true
	}
	return Order{}, false
}

// Len returns the number of active orders.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}
