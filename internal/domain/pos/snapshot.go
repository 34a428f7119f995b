package pos

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
)

// DefaultStorageKey is the key the persisted subset is stored under.
const DefaultStorageKey = "pos-store"

var (
	// ErrNoSnapshot is returned by Storage.Load when nothing was persisted yet.
	ErrNoSnapshot = errors.New("no persisted pos state")
	// ErrCorruptSnapshot is returned when persisted state cannot be decoded.
	ErrCorruptSnapshot = errors.New("corrupt persisted pos state")
)

// Snapshot is the persisted subset of the store. Bill and view mode are
// deliberately absent.
type Snapshot struct {
	Cart          []Line        `json:"cart"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	SelectedStore *StoreFront   `json:"selectedStore"`
	SelectedTable *Table        `json:"selectedTable"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		Cart:          CloneLines(s.Cart),
		PaymentMethod: s.PaymentMethod,
	}
	if s.SelectedStore != nil {
		v := *s.SelectedStore
		c.SelectedStore = &v
	}
	if s.SelectedTable != nil {
		v := *s.SelectedTable
		c.SelectedTable = &v
	}
	return c
}

// Storage is durable local storage for the persisted subset.
type Storage interface {
	// Load returns ErrNoSnapshot if nothing was saved yet.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MarshalSnapshot encodes the snapshot as the JSON object stored under
// DefaultStorageKey.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	if s.Cart == nil {
		s.Cart = []Line{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}
	return b, nil
}

// UnmarshalSnapshot decodes a stored snapshot. Decoding failures wrap
// ErrCorruptSnapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if s.Cart == nil {
		s.Cart = []Line{}
	}
	return &s, nil
}
