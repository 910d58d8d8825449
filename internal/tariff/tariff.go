// tariff.go - Hour-of-week price tables and consumption readings.

package tariff

import (
	"fmt"
)

// HoursPerWeek is the number of price buckets in a table.
const HoursPerWeek = 168

// TableSize is the encoded size of a price table.
const TableSize = HoursPerWeek * ValueSize

// Reading is one metered interval.
type Reading struct {
	Hour  uint8
	Units Value
}

// NewReading validates hour and units before anything is committed.
func NewReading(hour int, units Value) (Reading, error) {
	if err := CheckHour(hour); err != nil {
		return Reading{}, err
	}
	if units == nil {
		return Reading{}, fmt.Errorf("%w: missing units", ErrInvalidValue)
	}
	if _, err := checked(units); err != nil {
		return Reading{}, err
	}
	return Reading{Hour: uint8(hour), Units: units}, nil
}

// CheckHour rejects an hour of week outside [0, HoursPerWeek).
func CheckHour(hour int) error {
	if hour < 0 || hour >= HoursPerWeek {
		return fmt.Errorf("%w: %d", ErrInvalidHour, hour)
	}
	return nil
}

// PriceTable holds one unit price per hour of week.
// All prices share the table's variant.
type PriceTable struct {
	variant Variant
	prices  [HoursPerWeek]Value
}

// NewPriceTable returns a table with every hour priced at fill.
func NewPriceTable(v Variant, fill Value) (*PriceTable, error) {
	t := &PriceTable{variant: v}
	for h := range t.prices {
		if err := t.Set(h, fill); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Variant returns the numeric domain of the table.
func (t *PriceTable) Variant() Variant { return t.variant }

// Price returns the price for hour. The hour must already be validated.
func (t *PriceTable) Price(hour uint8) Value { return t.prices[hour] }

// Set replaces the price for one hour.
func (t *PriceTable) Set(hour int, price Value) error {
	if err := CheckHour(hour); err != nil {
		return err
	}
	if price == nil || price.Kind() != t.variant.Kind() {
		return fmt.Errorf("%w: table is %s", ErrVariantMismatch, t.variant.Kind())
	}
	if _, err := checked(price); err != nil {
		return fmt.Errorf("hour %d: %w", hour, err)
	}
	t.prices[hour] = price
	return nil
}

// Clone returns an independent copy.
func (t *PriceTable) Clone() *PriceTable {
	c := *t
	return &c
}

// Equal reports whether both tables hold the same encoded prices.
func (t *PriceTable) Equal(o *PriceTable) bool {
	if t.variant.Kind() != o.variant.Kind() {
		return false
	}
	return string(t.AppendBinary(nil)) == string(o.AppendBinary(nil))
}

// AppendBinary appends the 168 big-endian prices in hour order.
func (t *PriceTable) AppendBinary(b []byte) []byte {
	for _, p := range t.prices {
		b = p.AppendBinary(b)
	}
	return b
}

// DecodePriceTable parses exactly TableSize bytes. Any negative or malformed price
// rejects the whole table.
func DecodePriceTable(v Variant, b []byte) (*PriceTable, error) {
	if len(b) != TableSize {
		return nil, fmt.Errorf("%w: price table wants %d bytes, got %d", ErrShortBuffer, TableSize, len(b))
	}
	t := &PriceTable{variant: v}
	for h := range t.prices {
		p, err := v.DecodeValue(b[h*ValueSize : (h+1)*ValueSize])
		if err != nil {
			return nil, fmt.Errorf("hour %d: %w", h, err)
		}
		t.prices[h] = p
	}
	return t, nil
}
