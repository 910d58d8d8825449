package tariff

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReadingRejectsInvalidInput(t *testing.T) {
	_, err := NewReading(168, Int(1))
	require.ErrorIs(t, err, ErrInvalidHour)

	_, err = NewReading(-1, Int(1))
	require.ErrorIs(t, err, ErrInvalidHour)

	_, err = NewReading(3, Int(-4))
	require.ErrorIs(t, err, ErrNegativeValue)

	_, err = NewReading(3, Float(-0.5))
	require.ErrorIs(t, err, ErrNegativeValue)

	_, err = NewReading(3, Float(float32(math.NaN())))
	require.ErrorIs(t, err, ErrInvalidValue)

	r, err := NewReading(167, Int(9))
	require.NoError(t, err)
	require.Equal(t, uint8(167), r.Hour)
}

func TestPriceTableRejectsNegativeAndMismatchedPrices(t *testing.T) {
	_, err := NewPriceTable(Integer, Int(-1))
	require.ErrorIs(t, err, ErrNegativeValue)

	table, err := NewPriceTable(Integer, Int(2))
	require.NoError(t, err)
	require.ErrorIs(t, table.Set(10, Int(-3)), ErrNegativeValue)
	require.ErrorIs(t, table.Set(168, Int(3)), ErrInvalidHour)
	require.ErrorIs(t, table.Set(10, Float(3)), ErrVariantMismatch)
	require.Equal(t, Int(2), table.Price(10))
}

func TestPriceTableBinaryIsBigEndian(t *testing.T) {
	table, err := NewPriceTable(Integer, Int(0))
	require.NoError(t, err)
	require.NoError(t, table.Set(0, Int(0x01020304)))

	b := table.AppendBinary(nil)
	require.Len(t, b, TableSize)
	require.Equal(t, []byte{1, 2, 3, 4}, b[:4])

	decoded, err := DecodePriceTable(Integer, b)
	require.NoError(t, err)
	require.True(t, table.Equal(decoded))

	_, err = DecodePriceTable(Integer, b[:TableSize-1])
	require.ErrorIs(t, err, ErrShortBuffer)

	// 0xFFFFFFFF decodes to -1.
	b[4], b[5], b[6], b[7] = 0xff, 0xff, 0xff, 0xff
	_, err = DecodePriceTable(Integer, b)
	require.ErrorIs(t, err, ErrNegativeValue)
}

func TestFloatTableRoundTrip(t *testing.T) {
	table, err := NewPriceTable(Floating, Float(0.25))
	require.NoError(t, err)
	require.NoError(t, table.Set(42, Float(1.5)))

	decoded, err := DecodePriceTable(Floating, table.AppendBinary(nil))
	require.NoError(t, err)
	require.Equal(t, Float(1.5), decoded.Price(42))
	require.Equal(t, Float(0.25), decoded.Price(0))
}

func TestValueTextRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		variant Variant
		value   Value
	}{
		{Integer, Int(0)},
		{Integer, Int(math.MaxInt32)},
		{Floating, Float(0)},
		{Floating, Float(2.75)},
		{Floating, Float(0.1)},
	} {
		got, err := tc.variant.ParseValue(tc.value.String())
		require.NoError(t, err)
		require.Equal(t, tc.value, got)
	}

	_, err := Integer.ParseValue("1.5")
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = Integer.ParseValue("-2")
	require.ErrorIs(t, err, ErrNegativeValue)
}

func TestFloatTextIsPlainDecimal(t *testing.T) {
	for want, v := range map[string]Float{
		"1000000":   Float(1e6),
		"0.00001":   Float(0.00001),
		"123456790": Float(123456789),
		"2.75":      Float(2.75),
	} {
		require.Equal(t, want, v.String())
		require.NotContains(t, v.String(), "e")
		got, err := Floating.ParseValue(v.String())
		require.NoError(t, err)
		require.Equal(t, Value(v), got)
	}
}

func TestScalars(t *testing.T) {
	require.Equal(t, big.NewInt(15), Int(15).Scalar())
	require.Equal(t, big.NewInt(2750), Float(2.75).Scalar())
	require.Equal(t, big.NewInt(100), Float(0.1).Scalar())
}

func TestBillText(t *testing.T) {
	bill := big.NewInt(15)
	require.Equal(t, "15", Integer.FormatBill(bill))
	got, err := Integer.ParseBill("15")
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(bill))

	// 2.5 units at 3.25 per unit, in millionths.
	fixed := new(big.Int).Mul(Float(2.5).Scalar(), Float(3.25).Scalar())
	require.Equal(t, "8.125000", Floating.FormatBill(fixed))
	got, err = Floating.ParseBill("8.125000")
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(fixed))
	require.Equal(t, "65/8", Floating.BillAmount(fixed).RatString())

	_, err = Floating.ParseBill("0.0000001")
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = Integer.ParseBill("-1")
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestFromFloat(t *testing.T) {
	v, err := Integer.FromFloat(7)
	require.NoError(t, err)
	require.Equal(t, Int(7), v)

	_, err = Integer.FromFloat(7.5)
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = Floating.FromFloat(2e12)
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = ParseVariant("decimal")
	require.ErrorIs(t, err, ErrVariantMismatch)
}
