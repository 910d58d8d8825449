// value.go - Numeric domains for consumption and prices.
//
// A deployment bills either in whole units (Integer) or in fractional units (Float).
// Both variants expose the same operations so that the billing protocol never needs
// to know which one is in use. Every value has an explicit 4-byte big-endian wire
// form and a non-negative integer scalar that is what actually gets committed.

package tariff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// ValueSize is the width in bytes of one encoded value.
const ValueSize = 4

// FloatScale is the number of fixed-point steps per unit for the Float variant.
const FloatScale = 1000

// MaxFloat bounds Float values so that sums of scaled products stay far below the
// commitment group order.
const MaxFloat = 1e12

var (
	ErrNegativeValue   = errors.New("tariff: negative value")
	ErrInvalidValue    = errors.New("tariff: invalid value")
	ErrInvalidHour     = errors.New("tariff: hour of week out of range")
	ErrVariantMismatch = errors.New("tariff: variant mismatch")
	ErrShortBuffer     = errors.New("tariff: short buffer")
)

// Kind names a numeric domain.
type Kind uint8

const (
	KindInteger Kind = iota + 1
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a consumption amount or a unit price in one of the supported domains.
type Value interface {
	Kind() Kind
	// Valid reports whether the value may be committed or priced.
	Valid() bool
	// Scalar returns the non-negative integer that represents the value inside a commitment.
	Scalar() *big.Int
	// AppendBinary appends the 4-byte big-endian encoding of the value.
	AppendBinary(b []byte) []byte
	String() string
}

// Int is a value of the Integer variant.
type Int int32

func (Int) Kind() Kind { return KindInteger }

func (v Int) Valid() bool { return v >= 0 }

func (v Int) Scalar() *big.Int { return big.NewInt(int64(v)) }

func (v Int) AppendBinary(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

func (v Int) String() string { return strconv.FormatInt(int64(v), 10) }

// Float is a value of the Float variant.
type Float float32

func (Float) Kind() Kind { return KindFloat }

func (v Float) Valid() bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0 && f <= MaxFloat
}

// Scalar quantizes the value to thousandths.
func (v Float) Scalar() *big.Int {
	return big.NewInt(int64(math.Round(float64(v) * FloatScale)))
}

func (v Float) AppendBinary(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v)))
}

func (v Float) String() string { return strconv.FormatFloat(float64(v), 'f', -1, 32) }

// Variant is the family of operations one numeric domain provides.
type Variant interface {
	Kind() Kind
	// ParseValue reads the decimal text form produced by Value.String.
	ParseValue(s string) (Value, error)
	// DecodeValue reads exactly ValueSize big-endian bytes.
	DecodeValue(b []byte) (Value, error)
	// FromFloat converts an operator supplied number into the domain.
	FromFloat(f float64) (Value, error)
	Zero() Value
	// FormatBill renders a committed bill total as decimal text.
	FormatBill(bill *big.Int) string
	// ParseBill is the inverse of FormatBill.
	ParseBill(s string) (*big.Int, error)
	// BillAmount converts a committed bill total into currency units.
	BillAmount(bill *big.Int) *big.Rat
}

// VariantFor returns the variant registered under kind.
func VariantFor(kind Kind) (Variant, error) {
	switch kind {
	case KindInteger:
		return Integer, nil
	case KindFloat:
		return Floating, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrVariantMismatch, uint8(kind))
	}
}

// ParseVariant resolves a variant from its configuration name.
func ParseVariant(name string) (Variant, error) {
	switch name {
	case "integer", "int", "i32":
		return Integer, nil
	case "float", "f32":
		return Floating, nil
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrVariantMismatch, name)
	}
}

var (
	// Integer bills whole units; the bill is the exact integer sum of cons*price.
	Integer Variant = integerVariant{}
	// Floating bills fractional units in fixed point; cons and price are quantized
	// to thousandths, so the bill is expressed in millionths.
	Floating Variant = floatVariant{}
)

type integerVariant struct{}

func (integerVariant) Kind() Kind { return KindInteger }

func (integerVariant) Zero() Value { return Int(0) }

func (integerVariant) ParseValue(s string) (Value, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return checked(Int(n))
}

func (integerVariant) DecodeValue(b []byte) (Value, error) {
	if len(b) != ValueSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortBuffer, ValueSize, len(b))
	}
	return checked(Int(int32(binary.BigEndian.Uint32(b))))
}

func (integerVariant) FromFloat(f float64) (Value, error) {
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return nil, fmt.Errorf("%w: %v is not a 32-bit integer", ErrInvalidValue, f)
	}
	return checked(Int(int32(f)))
}

func (integerVariant) FormatBill(bill *big.Int) string { return bill.String() }

func (integerVariant) ParseBill(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: bill %q", ErrInvalidValue, s)
	}
	return n, nil
}

func (integerVariant) BillAmount(bill *big.Int) *big.Rat { return new(big.Rat).SetInt(bill) }

type floatVariant struct{}

// billScale is the number of bill steps per currency unit: FloatScale squared.
var billScale = big.NewInt(FloatScale * FloatScale)

const billDigits = 6

func (floatVariant) Kind() Kind { return KindFloat }

func (floatVariant) Zero() Value { return Float(0) }

func (floatVariant) ParseValue(s string) (Value, error) {
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return checked(Float(f))
}

func (floatVariant) DecodeValue(b []byte) (Value, error) {
	if len(b) != ValueSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortBuffer, ValueSize, len(b))
	}
	return checked(Float(math.Float32frombits(binary.BigEndian.Uint32(b))))
}

func (floatVariant) FromFloat(f float64) (Value, error) { return checked(Float(f)) }

func (floatVariant) FormatBill(bill *big.Int) string {
	return new(big.Rat).SetFrac(bill, billScale).FloatString(billDigits)
}

func (floatVariant) ParseBill(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("%w: bill %q", ErrInvalidValue, s)
	}
	r.Mul(r, new(big.Rat).SetInt(billScale))
	if !r.IsInt() {
		return nil, fmt.Errorf("%w: bill %q has more than %d fractional digits", ErrInvalidValue, s, billDigits)
	}
	return new(big.Int).Set(r.Num()), nil
}

func (floatVariant) BillAmount(bill *big.Int) *big.Rat {
	return new(big.Rat).SetFrac(bill, billScale)
}

// checked applies the validity predicate shared by every constructor.
func checked(v Value) (Value, error) {
	if v.Valid() {
		return v, nil
	}
	switch x := v.(type) {
	case Int:
		return nil, fmt.Errorf("%w: %d", ErrNegativeValue, int32(x))
	case Float:
		if float64(x) < 0 {
			return nil, fmt.Errorf("%w: %v", ErrNegativeValue, float32(x))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidValue, v)
}
