// main.go - One full billing cycle between a meter, a customer and a provider.
//
// This runs all three roles in one process over loopback TCP:
//   - the provider raises the price of hour 3 and signs the new table
//   - the meter commits to three readings and sends the openings to the customer
//   - the customer proves the bill from the commitments and its own prices
//   - the provider checks the proof without seeing a single reading
//
// Usage:
//   go run .
//
// The cmd/billingd daemon runs the same roles as separate processes.

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"meterbill/internal/billing"
	"meterbill/internal/commitment"
	"meterbill/internal/journal"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
	"meterbill/p2p"
)

const loopback = "127.0.0.1:0"

// cluster is the three roles wired together over loopback connections
type cluster struct {
	meter    *billing.Meter
	customer *billing.Customer
	provider *billing.Provider

	// customerWAN is the customer's end of the provider link, meterLAN the meter's
	// end of the customer link.
	customerWAN net.Conn
	meterLAN    net.Conn

	nodes []*p2p.Node
	conns []net.Conn
}

// newCluster starts all three roles with every hour priced at fill
func newCluster(ctx context.Context, fill tariff.Value, opts billing.Options, log zerolog.Logger) (*cluster, error) {
	params, err := commitment.Generate(rand.Reader)
	if err != nil {
		return nil, err
	}
	meterKey, err := signing.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	providerKey, err := signing.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	v, err := tariff.VariantFor(fill.Kind())
	if err != nil {
		return nil, err
	}
	prices, err := tariff.NewPriceTable(v, fill)
	if err != nil {
		return nil, err
	}

	c := &cluster{}
	providerNode := p2p.NewNode("provider", "tcp", loopback, nil, log)
	if err := providerNode.Listen(); err != nil {
		return nil, err
	}
	c.nodes = append(c.nodes, providerNode)

	customerNode := p2p.NewNode("customer", "tcp", loopback,
		map[string]string{"provider": providerNode.Addr().String()}, log)
	if err := customerNode.Listen(); err != nil {
		c.Close()
		return nil, err
	}
	c.nodes = append(c.nodes, customerNode)
	meterNode := p2p.NewNode("meter", "tcp", "",
		map[string]string{"customer": customerNode.Addr().String()}, log)

	wan, wanPeer, err := c.connect(ctx, providerNode, customerNode, "provider")
	if err != nil {
		c.Close()
		return nil, err
	}
	lan, lanPeer, err := c.connect(ctx, customerNode, meterNode, "customer")
	if err != nil {
		c.Close()
		return nil, err
	}

	c.provider, err = billing.NewProvider(billing.ProviderConfig{
		Params:   params,
		Key:      providerKey,
		MeterKey: meterKey.Public(),
		Prices:   prices,
		Customer: wan,
	}, opts)
	if err == nil {
		c.customer, err = billing.NewCustomer(billing.CustomerConfig{
			Params:      params,
			MeterKey:    meterKey.Public(),
			ProviderKey: providerKey.Public(),
			Prices:      prices,
			Meter:       lan,
			Provider:    wanPeer,
		}, opts)
	}
	if err == nil {
		c.meter, err = billing.NewMeter(params, meterKey, lanPeer, opts)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	c.customerWAN, c.meterLAN = wanPeer, lanPeer
	return c, nil
}

// connect has dialer dial server's listener and returns both ends
func (c *cluster) connect(ctx context.Context, server, dialer *p2p.Node, serverID string) (accepted, dialed net.Conn, err error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := server.Accept(ctx)
		ch <- result{conn, err}
	}()

	dialed, err = dialer.Dial(ctx, serverID, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	c.conns = append(c.conns, dialed)
	res := <-ch
	if res.err != nil {
		return nil, nil, res.err
	}
	c.conns = append(c.conns, res.conn)
	return res.conn, dialed, nil
}

// Close tears down every connection and listener
func (c *cluster) Close() {
	for _, conn := range c.conns {
		conn.Close()
	}
	for _, n := range c.nodes {
		n.Close()
	}
}

var errNotYet = errors.New("not yet")

// waitFor polls check until it reports done, a protocol error, or maxWait passes
func waitFor(ctx context.Context, maxWait time.Duration, check func() (bool, error)) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		done, err := check()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !done {
			return struct{}{}, errNotYet
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)),
		backoff.WithMaxElapsedTime(maxWait),
	)
	return err
}

// collectReadings drains the meter link until the customer holds want rows
func collectReadings(ctx context.Context, customer *billing.Customer, want int) error {
	return waitFor(ctx, 5*time.Second, func() (bool, error) {
		if _, err := customer.ReadMeterMessages(ctx); err != nil {
			return false, err
		}
		return len(customer.Ledger()) >= want, nil
	})
}

// collectPrices waits until the customer has applied a price update
func collectPrices(ctx context.Context, customer *billing.Customer) error {
	return waitFor(ctx, 5*time.Second, func() (bool, error) {
		return customer.ReadProviderMessages(ctx)
	})
}

func run(ctx context.Context, log zerolog.Logger) error {
	j, err := journal.New(ctx, journal.NewMemory())
	if err != nil {
		return err
	}
	defer j.Close()

	c, err := newCluster(ctx, tariff.Int(1), billing.Options{MaxWait: 5 * time.Second, Recorder: j}, log)
	if err != nil {
		return fmt.Errorf("start roles: %w", err)
	}
	defer c.Close()

	log.Info().Msg("=== Price update ===")
	if err := c.provider.ChangePrice(ctx, 3, tariff.Int(3)); err != nil {
		return err
	}
	if err := collectPrices(ctx, c.customer); err != nil {
		return fmt.Errorf("price update: %w", err)
	}
	log.Info().Str("hour_3", c.customer.Prices().Price(3).String()).Msg("customer follows the new prices")

	log.Info().Msg("=== Metering ===")
	readings := []struct{ hour, units int32 }{{3, 5}, {4, 2}, {3, 1}}
	for _, r := range readings {
		reading, err := tariff.NewReading(int(r.hour), tariff.Int(r.units))
		if err != nil {
			return err
		}
		if err := c.meter.Consume(ctx, reading); err != nil {
			return err
		}
	}
	if err := collectReadings(ctx, c.customer, len(readings)); err != nil {
		return fmt.Errorf("meter readings: %w", err)
	}
	log.Info().Int("rows", len(c.customer.Ledger())).Msg("customer verified every reading")

	log.Info().Msg("=== Billing ===")
	proof, err := c.customer.SendBillingInformation(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("bill", proof.Bill.String()).Int("rows", len(proof.Rows)).Msg("customer sent bill proof")

	accepted, err := c.provider.AwaitBill(ctx)
	if err != nil {
		return fmt.Errorf("verify bill: %w", err)
	}
	owed, err := c.provider.PayBill(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("accepted", accepted.FloatString(2)).Str("paid", owed.FloatString(2)).Msg("provider settled the bill")

	entries, err := j.Entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		log.Info().Int64("seq", e.Seq).Str("bill", e.Bill).Bool("accepted", e.Accepted).Msg("journal")
	}
	return nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Msg("=== Private metering: one billing cycle ===")
	if err := run(ctx, log); err != nil {
		log.Fatal().Err(err).Msg("billing cycle failed")
	}
}
