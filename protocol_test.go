package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"meterbill/internal/billing"
	"meterbill/internal/journal"
	"meterbill/internal/tariff"
)

func startCluster(t *testing.T, fill tariff.Value, opts billing.Options) *cluster {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if opts.MaxWait == 0 {
		opts.MaxWait = 5 * time.Second
	}
	c, err := newCluster(ctx, fill, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func consume(t *testing.T, c *cluster, hour int, units tariff.Value) {
	t.Helper()
	r, err := tariff.NewReading(hour, units)
	require.NoError(t, err)
	require.NoError(t, c.meter.Consume(context.Background(), r))
}

func TestBillingCycleOverTCP(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, tariff.Int(3), billing.Options{})

	consume(t, c, 3, tariff.Int(5))
	require.NoError(t, collectReadings(ctx, c.customer, 1))

	proof, err := c.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, "15", proof.Bill.String())
	require.Empty(t, c.customer.Ledger())

	accepted, err := c.provider.AwaitBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "15", accepted.RatString())

	owed, err := c.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "15", owed.RatString())
	owed, err = c.provider.PayBill(ctx)
	require.NoError(t, err)
	require.Zero(t, owed.Sign())
}

func TestEmptyLedgerBillsZeroOverTCP(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, tariff.Int(3), billing.Options{})

	proof, err := c.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.Empty(t, proof.Rows)

	accepted, err := c.provider.AwaitBill(ctx)
	require.NoError(t, err)
	require.Zero(t, accepted.Sign())
}

func TestCustomerIgnoringPriceUpdateIsRejected(t *testing.T) {
	ctx := context.Background()
	j, err := journal.New(ctx, journal.NewMemory())
	require.NoError(t, err)
	c := startCluster(t, tariff.Int(1), billing.Options{Recorder: j})

	require.NoError(t, c.provider.ChangePrice(ctx, 3, tariff.Int(4)))
	consume(t, c, 3, tariff.Int(5))
	require.NoError(t, collectReadings(ctx, c.customer, 1))

	// the update is still unread, so the customer bills 5 at the old price
	proof, err := c.customer.SendBillingInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, "5", proof.Bill.String())

	_, err = c.provider.AwaitBill(ctx)
	require.ErrorIs(t, err, billing.ErrBillRejected)
	require.False(t, billing.Fatal(err))
	require.Zero(t, c.provider.Outstanding().Sign())

	entries, err := j.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Accepted)
	require.Equal(t, "5", entries[0].Bill)
}

func TestPriceUpdateThenBillOverTCP(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, tariff.Int(1), billing.Options{})

	require.NoError(t, c.provider.ChangePrice(ctx, 3, tariff.Int(4)))
	require.NoError(t, collectPrices(ctx, c.customer))
	require.True(t, c.customer.Prices().Equal(c.provider.Prices()))

	consume(t, c, 3, tariff.Int(5))
	consume(t, c, 10, tariff.Int(2))
	require.NoError(t, collectReadings(ctx, c.customer, 2))
	_, err := c.customer.SendBillingInformation(ctx)
	require.NoError(t, err)

	accepted, err := c.provider.AwaitBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "22", accepted.RatString())
}

func TestFloatBillingOverTCP(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, tariff.Float(0.5), billing.Options{})

	consume(t, c, 0, tariff.Float(2.5))
	require.NoError(t, collectReadings(ctx, c.customer, 1))
	_, err := c.customer.SendBillingInformation(ctx)
	require.NoError(t, err)

	accepted, err := c.provider.AwaitBill(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.250000", accepted.FloatString(6))
}

func TestClosedCustomerIsFatalForProvider(t *testing.T) {
	ctx := context.Background()
	c := startCluster(t, tariff.Int(3), billing.Options{MaxWait: 2 * time.Second})
	require.NoError(t, c.customerWAN.Close())

	var err error
	require.Eventually(t, func() bool {
		_, err = c.provider.ReadCustomerMessages(ctx)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, err, billing.ErrTransport)
	require.ErrorIs(t, err, io.EOF)
	require.True(t, billing.Fatal(err))

	_, err = c.provider.AwaitBill(ctx)
	require.ErrorIs(t, err, billing.ErrTransport)
	require.NotErrorIs(t, err, billing.ErrNoMessage)
	require.True(t, billing.Fatal(err))
}

func TestStalledMeterRecordFailsWithinReadTimeout(t *testing.T) {
	c := startCluster(t, tariff.Int(3), billing.Options{ReadTimeout: 200 * time.Millisecond})
	_, err := c.meterLAN.Write([]byte("5 abc\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	err = collectReadings(ctx, c.customer, 1)
	require.ErrorIs(t, err, billing.ErrTransport)
	require.True(t, billing.Fatal(err))
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, c.customer.Ledger())
}

func TestDemoRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, zerolog.Nop()))
}
