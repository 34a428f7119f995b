// Package pos holds the terminal-side cart and billing state: the selected
// storefront and table, the cart being built, the bill being reviewed and the
// chosen payment method.
package pos

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// PaymentMethod identifies how the customer settles the bill.
type PaymentMethod string

const (
	PaymentQR   PaymentMethod = "qr"
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

// DefaultPaymentMethod is selected on a terminal with no persisted state.
const DefaultPaymentMethod = PaymentQR

// PaymentOption describes a payment method for display.
type PaymentOption struct {
	ID    PaymentMethod `json:"id"`
	Icon  string        `json:"icon"`
	Label string        `json:"label"`
}

// StoreFront is the storefront context the cart is built for.
type StoreFront struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a dine-in table an order is placed for.
type Table struct {
	Number Ref    `json:"number"`
	Label  string `json:"label,omitempty"`
}

// StoreFronts returns the storefronts a terminal can switch between.
func StoreFronts() []StoreFront {
	return []StoreFront{
		{ID: 1, Name: "Mart", Type: "retail"},
		{ID: 2, Name: "Coffee Shop", Type: "coffee"},
		{ID: 3, Name: "Restaurant", Type: "hospitality"},
	}
}

// PaymentOptions returns the supported payment methods in display order.
func PaymentOptions() []PaymentOption {
	return []PaymentOption{
		{ID: PaymentQR, Icon: "mdi-qrcode-scan", Label: "QR"},
		{ID: PaymentCash, Icon: "mdi-cash", Label: "Cash"},
		{ID: PaymentCard, Icon: "mdi-credit-card-outline", Label: "Card"},
	}
}

// Ref is an identifier the backend may encode either as a JSON string or as a
// JSON number. It is always held and re-encoded as a string.
type Ref string

// UnmarshalJSON accepts strings, numbers and null.
func (r *Ref) UnmarshalJSON(data []byte) error {
	d := jx.DecodeBytes(data)
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return err
		}
		*r = Ref(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return err
		}
		*r = Ref(n.String())
	case jx.Null:
		*r = ""
	default:
		return errors.Errorf("unexpected %s for identifier", d.Next())
	}
	return nil
}

// Line is a single cart entry. Two lines are the same entry when they share
// the product ID and an equal set of customizations.
type Line struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Qty            int             `json:"qty"`
	Customizations map[string]any  `json:"customizations,omitempty"`
}

// Key returns the deduplication key of the line. Nil and empty
// customizations produce the same key.
func (l Line) Key() string {
	return strconv.FormatInt(l.ID, 10) + "|" + customizationSignature(l.Customizations)
}

// Amount is price × qty.
func (l Line) Amount() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Qty)))
}

// Clone returns a deep copy of the line.
func (l Line) Clone() Line {
	c := l
	if l.Customizations != nil {
		c.Customizations = cloneValue(l.Customizations).(map[string]any)
	}
	return c
}

// Canonical returns a copy of the line in the exact form it has after a
// storage round trip: the price at its shortest scale, empty customizations
// as nil and customization values as decoded JSON (numbers are float64).
func (l Line) Canonical() Line {
	c := l
	c.Price = decimal.RequireFromString(l.Price.String())
	c.Customizations = nil
	if len(l.Customizations) == 0 {
		return c
	}
	if b, err := json.Marshal(l.Customizations); err == nil {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err == nil {
			c.Customizations = m
			return c
		}
	}
	c.Customizations = cloneValue(l.Customizations).(map[string]any)
	return c
}

// Bill is a read-only projection of an order selected for settlement.
type Bill struct {
	OrderID     Ref    `json:"order_id"`
	TableNumber Ref    `json:"table_number,omitempty"`
	Items       []Line `json:"items"`
}

// Clone returns a deep copy of the bill.
func (b Bill) Clone() Bill {
	c := b
	c.Items = CloneLines(b.Items)
	return c
}

// CloneLines deep-copies a slice of lines. The result is never nil.
func CloneLines(lines []Line) []Line {
	out := make([]Line, len(lines))
	for i, l := range lines {
		out[i] = l.Clone()
	}
	return out
}

// Sum returns Σ price × qty over lines.
func Sum(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount())
	}
	return total
}

// customizationSignature renders customizations canonically. encoding/json
// sorts map keys, so equal maps always produce equal output.
func customizationSignature(c map[string]any) string {
	if len(c) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
