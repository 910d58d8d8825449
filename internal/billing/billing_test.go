package billing

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meterbill/internal/commitment"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
)

var testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

// duplex joins the read side of one buffer with the write side of another.
type duplex struct {
	io.Reader
	io.Writer
}

type fixture struct {
	params      *commitment.Params
	meterKey    *signing.PrivateKey
	providerKey *signing.PrivateKey

	meterWire    *bytes.Buffer
	toProvider   *bytes.Buffer
	fromProvider *bytes.Buffer

	meter    *Meter
	customer *Customer
	provider *Provider
}

func testOptions() Options {
	return Options{Now: func() time.Time { return testNow }, MaxWait: 100 * time.Millisecond}
}

func newFixture(t *testing.T, prices *tariff.PriceTable) *fixture {
	t.Helper()
	params, err := commitment.Generate(rand.Reader)
	require.NoError(t, err)
	meterKey, err := signing.GenerateKey(nil)
	require.NoError(t, err)
	providerKey, err := signing.GenerateKey(nil)
	require.NoError(t, err)

	f := &fixture{
		params:       params,
		meterKey:     meterKey,
		providerKey:  providerKey,
		meterWire:    new(bytes.Buffer),
		toProvider:   new(bytes.Buffer),
		fromProvider: new(bytes.Buffer),
	}
	f.meter, err = NewMeter(params, meterKey, f.meterWire, testOptions())
	require.NoError(t, err)
	f.customer, err = NewCustomer(CustomerConfig{
		Params:      params,
		MeterKey:    meterKey.Public(),
		ProviderKey: providerKey.Public(),
		Prices:      prices,
		Meter:       f.meterWire,
		Provider:    duplex{Reader: f.fromProvider, Writer: f.toProvider},
	}, testOptions())
	require.NoError(t, err)
	f.provider, err = NewProvider(ProviderConfig{
		Params:   params,
		Key:      providerKey,
		MeterKey: meterKey.Public(),
		Prices:   prices,
		Customer: duplex{Reader: f.toProvider, Writer: f.fromProvider},
	}, testOptions())
	require.NoError(t, err)
	return f
}

func intTable(t *testing.T, fill int32, overrides map[int]int32) *tariff.PriceTable {
	t.Helper()
	table, err := tariff.NewPriceTable(tariff.Integer, tariff.Int(fill))
	require.NoError(t, err)
	for h, p := range overrides {
		require.NoError(t, table.Set(h, tariff.Int(p)))
	}
	return table
}

func reading(t *testing.T, hour int, units tariff.Value) tariff.Reading {
	t.Helper()
	r, err := tariff.NewReading(hour, units)
	require.NoError(t, err)
	return r
}

func TestEndToEndBillingCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, map[int]int32{10: 3}))

	require.NoError(t, f.meter.Consume(ctx, reading(t, 10, tariff.Int(5))))

	n, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	proof, err := f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, "15", proof.Bill.String())
	require.Empty(t, f.customer.Ledger())

	owed, err := f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "15", owed.RatString())

	owed, err = f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "0", owed.RatString())
}

func TestMeterRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, nil))

	cases := []struct {
		hour  int
		units int32
	}{
		{0, 0},
		{10, 5},
		{167, math.MaxInt32},
		{99, 1234},
	}
	for _, tc := range cases {
		require.NoError(t, f.meter.Consume(ctx, reading(t, tc.hour, tariff.Int(tc.units))))
	}
	require.Equal(t, len(cases), f.meter.Sent())

	n, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, len(cases), n)

	rows := f.customer.Ledger()
	require.Len(t, rows, len(cases))
	for i, tc := range cases {
		require.Equal(t, uint8(tc.hour), rows[i].Hour)
		require.Equal(t, tariff.Int(tc.units), rows[i].Units)
		require.True(t, f.params.Opens(rows[i].Commitment, rows[i].Units.Scalar(), rows[i].Blinding))
	}

	// Nothing left: a second drain is a no-op.
	n, err = f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMeterRecordWireFormat(t *testing.T) {
	f := newFixture(t, intTable(t, 1, nil))
	require.NoError(t, f.meter.Consume(context.Background(), reading(t, 10, tariff.Int(5))))

	lines := strings.SplitAfter(f.meterWire.String(), "\n")
	require.Len(t, lines, 3)
	require.Empty(t, lines[2])

	cons, aHex, ok := strings.Cut(strings.TrimSuffix(lines[0], "\n"), " ")
	require.True(t, ok)
	require.Equal(t, "5", cons)
	a, ok := new(big.Int).SetString(aHex, 16)
	require.True(t, ok)

	require.True(t, strings.HasSuffix(lines[1], " \n"))
	signed, err := parseStringified(lines[1])
	require.NoError(t, err)
	msg, err := f.meterKey.Public().Open(signed)
	require.NoError(t, err)

	c, hour, err := parseCommitmentMessage(msg)
	require.NoError(t, err)
	require.Equal(t, uint8(10), hour)
	require.True(t, f.params.Opens(c, big.NewInt(5), a))
	require.Equal(t, c.Hex()+" 10", string(msg))
}

func TestMeterRejectsInvalidReadingBeforeIO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, nil))

	err := f.meter.Consume(ctx, tariff.Reading{Hour: 168, Units: tariff.Int(1)})
	require.ErrorIs(t, err, tariff.ErrInvalidHour)

	err = f.meter.Consume(ctx, tariff.Reading{Hour: 3, Units: tariff.Int(-1)})
	require.ErrorIs(t, err, tariff.ErrNegativeValue)

	require.Zero(t, f.meterWire.Len())
	require.Zero(t, f.meter.Sent())
}

func TestCustomerRejectsForgedRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign meter key", func(t *testing.T) {
		f := newFixture(t, intTable(t, 1, nil))
		impostorKey, err := signing.GenerateKey(nil)
		require.NoError(t, err)
		impostor, err := NewMeter(f.params, impostorKey, f.meterWire, testOptions())
		require.NoError(t, err)
		require.NoError(t, impostor.Consume(ctx, reading(t, 1, tariff.Int(2))))

		n, err := f.customer.ReadMeterMessages(ctx)
		require.ErrorIs(t, err, ErrAuthentication)
		require.Zero(t, n)
		require.Empty(t, f.customer.Ledger())
	})

	t.Run("altered cleartext consumption", func(t *testing.T) {
		f := newFixture(t, intTable(t, 1, nil))
		require.NoError(t, f.meter.Consume(ctx, reading(t, 1, tariff.Int(2))))
		altered := strings.Replace(f.meterWire.String(), "2 ", "3 ", 1)
		f.meterWire.Reset()
		f.meterWire.WriteString(altered)

		_, err := f.customer.ReadMeterMessages(ctx)
		require.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("truncated record", func(t *testing.T) {
		f := newFixture(t, intTable(t, 1, nil))
		require.NoError(t, f.meter.Consume(ctx, reading(t, 1, tariff.Int(2))))
		f.meterWire.Truncate(f.meterWire.Len() - 10)

		_, err := f.customer.ReadMeterMessages(ctx)
		require.ErrorIs(t, err, ErrTransport)
	})
}

func TestProviderRejectsDishonestBills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 2, map[int]int32{7: 5}))

	require.NoError(t, f.meter.Consume(ctx, reading(t, 7, tariff.Int(4))))
	require.NoError(t, f.meter.Consume(ctx, reading(t, 8, tariff.Int(9))))
	_, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)

	honest := f.customer.PrepareBill()
	require.Equal(t, "38", honest.Bill.String())
	require.NoError(t, f.provider.Verify(honest))

	t.Run("inflated bill", func(t *testing.T) {
		p := *honest
		p.Bill = new(big.Int).Add(honest.Bill, big.NewInt(1))
		require.ErrorIs(t, f.provider.Verify(&p), ErrBillRejected)
	})

	t.Run("understated consumption on one row", func(t *testing.T) {
		// Row 0 claims 1 unit instead of 4 while keeping its signed commitment.
		rows := f.customer.Ledger()
		p := *honest
		p.Bill = big.NewInt(1*5 + 9*2)
		aTotal := new(big.Int).Mul(rows[0].Blinding, big.NewInt(5))
		aTotal.Add(aTotal, new(big.Int).Mul(rows[1].Blinding, big.NewInt(2)))
		p.Blinding = aTotal.Mod(aTotal, commitment.Order())
		require.ErrorIs(t, f.provider.Verify(&p), ErrBillRejected)
	})

	t.Run("dropped row", func(t *testing.T) {
		p := *honest
		p.Rows = honest.Rows[1:]
		require.ErrorIs(t, f.provider.Verify(&p), ErrBillRejected)
	})

	t.Run("row signed by someone else", func(t *testing.T) {
		other, err := signing.GenerateKey(nil)
		require.NoError(t, err)
		msg, err := f.meterKey.Public().Open(honest.Rows[0])
		require.NoError(t, err)
		forged, err := other.Sign(msg)
		require.NoError(t, err)
		p := *honest
		p.Rows = [][]byte{forged, honest.Rows[1]}
		require.ErrorIs(t, f.provider.Verify(&p), ErrAuthentication)
	})

	t.Run("blinding out of range", func(t *testing.T) {
		p := *honest
		p.Blinding = commitment.Order()
		require.ErrorIs(t, f.provider.Verify(&p), ErrMalformed)
	})
}

func TestProviderPricesWithItsOwnTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, map[int]int32{10: 3}))

	// The provider changes hour 10 to 4 but the customer never reads the update.
	require.NoError(t, f.provider.ChangePrice(ctx, 10, tariff.Int(4)))
	f.fromProvider.Reset()

	require.NoError(t, f.meter.Consume(ctx, reading(t, 10, tariff.Int(5))))
	_, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	_, err = f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)

	_, err = f.provider.PayBill(ctx)
	require.ErrorIs(t, err, ErrBillRejected)
	require.Equal(t, "0", f.provider.Outstanding().RatString())
}

func TestZeroRowBills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, nil))

	proof, err := f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.Empty(t, proof.Rows)
	require.Equal(t, "0\n0\n0\n", f.toProvider.String())

	owed, err := f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "0", owed.RatString())

	require.NoError(t, f.provider.Verify(&BillProof{Bill: big.NewInt(0), Blinding: big.NewInt(12)}))
	err = f.provider.Verify(&BillProof{Bill: big.NewInt(5), Blinding: big.NewInt(0)})
	require.ErrorIs(t, err, ErrBillRejected)

	f.toProvider.WriteString("5\n0\n0\n")
	_, err = f.provider.ReadCustomerMessages(ctx)
	require.ErrorIs(t, err, ErrBillRejected)
}

func TestSeveralBillsAccumulateUntilPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 2, nil))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.meter.Consume(ctx, reading(t, i, tariff.Int(int32(i+1)))))
		_, err := f.customer.ReadMeterMessages(ctx)
		require.NoError(t, err)
		_, err = f.customer.SendBillingInformation(ctx)
		require.NoError(t, err)
	}

	n, err := f.provider.ReadCustomerMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "12", f.provider.Outstanding().RatString())

	owed, err := f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "12", owed.RatString())
}

func TestIntegerVariantDoesNotWrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, math.MaxInt32, nil))

	const rows = 64
	for i := 0; i < rows; i++ {
		require.NoError(t, f.meter.Consume(ctx, reading(t, i, tariff.Int(math.MaxInt32))))
	}
	_, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	_, err = f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)

	want := new(big.Int).Mul(big.NewInt(math.MaxInt32), big.NewInt(math.MaxInt32))
	want.Mul(want, big.NewInt(rows))
	require.Negative(t, want.Cmp(commitment.Order()))

	owed, err := f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, want.String(), owed.RatString())
}

func TestFloatVariantBillsInFixedPoint(t *testing.T) {
	ctx := context.Background()
	table, err := tariff.NewPriceTable(tariff.Floating, tariff.Float(0.5))
	require.NoError(t, err)
	require.NoError(t, table.Set(20, tariff.Float(3.25)))
	f := newFixture(t, table)

	require.NoError(t, f.meter.Consume(ctx, reading(t, 20, tariff.Float(2.5))))
	require.NoError(t, f.meter.Consume(ctx, reading(t, 21, tariff.Float(0.125))))
	_, err = f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	_, err = f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(f.toProvider.String(), "8.187500\n"))

	owed, err := f.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "8.187500", owed.FloatString(6))
}

type brokenWriter struct{ n int }

func (w brokenWriter) Write(p []byte) (int, error) { return min(w.n, len(p)), io.ErrClosedPipe }

func TestLedgerSurvivesFailedSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, nil))
	require.NoError(t, f.meter.Consume(ctx, reading(t, 1, tariff.Int(2))))

	customer, err := NewCustomer(CustomerConfig{
		Params:      f.params,
		MeterKey:    f.meterKey.Public(),
		ProviderKey: f.providerKey.Public(),
		Prices:      intTable(t, 1, nil),
		Meter:       f.meterWire,
		Provider:    duplex{Reader: new(bytes.Buffer), Writer: brokenWriter{n: 3}},
	}, testOptions())
	require.NoError(t, err)
	_, err = customer.ReadMeterMessages(ctx)
	require.NoError(t, err)

	_, err = customer.SendBillingInformation(ctx)
	require.ErrorIs(t, err, ErrShortWrite)
	require.True(t, Fatal(err))
	require.Len(t, customer.Ledger(), 1)
}

type verdicts []Verdict

func (v *verdicts) RecordVerdict(_ context.Context, x Verdict) error {
	*v = append(*v, x)
	return nil
}

func TestProviderRecordsVerdicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intTable(t, 1, nil))
	var got verdicts
	f.provider.opts.Recorder = &got

	require.NoError(t, f.meter.Consume(ctx, reading(t, 1, tariff.Int(6))))
	_, err := f.customer.ReadMeterMessages(ctx)
	require.NoError(t, err)
	_, err = f.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	f.toProvider.WriteString("1\n0\n0\n")

	_, err = f.provider.ReadCustomerMessages(ctx)
	require.ErrorIs(t, err, ErrBillRejected)
	require.False(t, Fatal(err))

	require.Len(t, got, 2)
	require.True(t, got[0].Accepted)
	require.Equal(t, "6", got[0].Bill)
	require.Equal(t, 1, got[0].Rows)
	require.Equal(t, testNow, got[0].At)
	require.False(t, got[1].Accepted)
	require.NotEmpty(t, got[1].Reason)
}

func TestAwaitBillTimesOut(t *testing.T) {
	f := newFixture(t, intTable(t, 1, nil))
	_, err := f.provider.AwaitBill(context.Background())
	require.ErrorIs(t, err, ErrNoMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.provider.AwaitBill(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStringifyBytes(t *testing.T) {
	require.Equal(t, "0 1 255 ", stringifyBytes([]byte{0, 1, 255}))
	b, err := parseStringified("0 1 255 ")
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 255}, b)

	_, err = parseStringified("0 256 ")
	require.ErrorIs(t, err, ErrMalformed)
}
