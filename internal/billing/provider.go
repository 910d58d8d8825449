package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"meterbill/internal/commitment"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
)

// Provider verifies bill proofs against its own prices and publishes price updates.
type Provider struct {
	params   *commitment.Params
	key      *signing.PrivateKey
	meterKey *signing.PublicKey
	customer *Link
	prices   *tariff.PriceTable
	total    *big.Int
	opts     Options
}

// ProviderConfig wires a provider to its customer.
type ProviderConfig struct {
	Params   *commitment.Params
	Key      *signing.PrivateKey
	MeterKey *signing.PublicKey
	Prices   *tariff.PriceTable
	Customer io.ReadWriter
}

// NewProvider validates cfg and returns a provider with nothing owed.
func NewProvider(cfg ProviderConfig, opts Options) (*Provider, error) {
	if cfg.Params == nil || cfg.Key == nil || cfg.MeterKey == nil || cfg.Prices == nil {
		return nil, errors.New("billing: provider needs params, key, meter key and prices")
	}
	if cfg.Customer == nil {
		return nil, errors.New("billing: provider needs a customer channel")
	}
	opts = opts.withDefaults()
	return &Provider{
		params:   cfg.Params,
		key:      cfg.Key,
		meterKey: cfg.MeterKey,
		customer: NewLink(cfg.Customer, opts.PollInterval, opts.ReadTimeout),
		prices:   cfg.Prices.Clone(),
		total:    new(big.Int),
		opts:     opts,
	}, nil
}

// Verify checks proof against the provider's prices without touching the running total.
func (p *Provider) Verify(proof *BillProof) error {
	if err := commitment.CheckScalar(proof.Blinding); err != nil {
		return fmt.Errorf("%w: blinding %w", ErrMalformed, err)
	}
	if len(proof.Rows) == 0 {
		if proof.Bill.Sign() != 0 {
			return fmt.Errorf("%w: no rows but bill is %s", ErrBillRejected, proof.Bill)
		}
		return nil
	}
	var calculated commitment.Sum
	for i, row := range proof.Rows {
		msg, err := p.meterKey.Open(row)
		if err != nil {
			return fmt.Errorf("%w: row %d: %w", ErrAuthentication, i, err)
		}
		c, hour, err := parseCommitmentMessage(msg)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		calculated.Add(c, p.prices.Price(hour).Scalar())
	}
	expected := p.params.Commit(proof.Bill, proof.Blinding)
	if !expected.Equal(calculated.Point()) {
		return fmt.Errorf("%w: commitments do not open to %s", ErrBillRejected, p.prices.Variant().FormatBill(proof.Bill))
	}
	return nil
}

// receive reads, verifies and settles one bill proof whose first byte is available.
func (p *Provider) receive(ctx context.Context) (*big.Rat, error) {
	began := time.Now()
	proof, err := DecodeBillProof(p.customer.r, p.prices.Variant())
	if err != nil {
		p.opts.Observer.MessageRejected(KindBillProof, err)
		return nil, err
	}
	p.opts.Observer.MessageReceived(KindBillProof)

	verr := p.Verify(proof)
	v := p.prices.Variant()
	verdict := Verdict{
		At:       p.opts.Now(),
		Bill:     v.FormatBill(proof.Bill),
		Amount:   v.BillAmount(proof.Bill),
		Rows:     len(proof.Rows),
		Accepted: verr == nil,
	}
	if verr != nil {
		verdict.Reason = verr.Error()
	}
	p.opts.Observer.BillVerified(verdict.Rows, verdict.Accepted, time.Since(began))
	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.RecordVerdict(ctx, verdict); err != nil {
			return nil, fmt.Errorf("billing: record verdict: %w", err)
		}
	}
	if verr != nil {
		p.opts.Observer.MessageRejected(KindBillProof, verr)
		return nil, verr
	}
	p.total.Add(p.total, proof.Bill)
	return verdict.Amount, nil
}

// ReadCustomerMessages drains every buffered bill proof and adds each accepted bill to
// the running total. The first rejected proof stops the drain and is returned.
func (p *Provider) ReadCustomerMessages(ctx context.Context) (int, error) {
	settled := 0
	for {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		ok, err := p.customer.Pending()
		if err != nil {
			return settled, err
		}
		if !ok {
			return settled, nil
		}
		if _, err := p.receive(ctx); err != nil {
			return settled, err
		}
		settled++
	}
}

// AwaitBill blocks until one bill proof arrives, then verifies and settles it. It
// gives up with ErrNoMessage after MaxWait, or when ctx is done.
func (p *Provider) AwaitBill(ctx context.Context) (*big.Rat, error) {
	if err := p.customer.Wait(ctx, p.opts.MaxWait); err != nil {
		return nil, err
	}
	return p.receive(ctx)
}

// PayBill settles every buffered proof, then returns the amount owed and resets it.
func (p *Provider) PayBill(ctx context.Context) (*big.Rat, error) {
	if _, err := p.ReadCustomerMessages(ctx); err != nil {
		return nil, err
	}
	owed := p.prices.Variant().BillAmount(p.total)
	p.total = new(big.Int)
	return owed, nil
}

// Outstanding returns the amount owed without resetting it.
func (p *Provider) Outstanding() *big.Rat {
	return p.prices.Variant().BillAmount(p.total)
}

// ChangePrices signs and sends table to the customer, then adopts it. The provider
// does not wait for the customer to acknowledge the update.
func (p *Provider) ChangePrices(ctx context.Context, table *tariff.PriceTable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if table.Variant().Kind() != p.prices.Variant().Kind() {
		return fmt.Errorf("%w: provider bills in %s", tariff.ErrVariantMismatch, p.prices.Variant().Kind())
	}
	if err := SendPrices(p.customer, p.key, table, p.opts.Now()); err != nil {
		return err
	}
	p.prices = table.Clone()
	p.opts.Observer.MessageSent(KindPriceUpdate, PriceBlobSize)
	return nil
}

// ChangePrice updates the price of a single hour and publishes the resulting table.
func (p *Provider) ChangePrice(ctx context.Context, hour int, price tariff.Value) error {
	next := p.prices.Clone()
	if err := next.Set(hour, price); err != nil {
		return err
	}
	return p.ChangePrices(ctx, next)
}

// Prices returns a copy of the table in force.
func (p *Provider) Prices() *tariff.PriceTable { return p.prices.Clone() }
