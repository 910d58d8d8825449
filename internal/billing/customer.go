package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	"meterbill/internal/commitment"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
)

// LedgerRow is one verified meter record held by the customer.
type LedgerRow struct {
	// SignedCommitment is the meter's signature over "<commitment_hex> <hour>".
	SignedCommitment []byte
	Units            tariff.Value
	Hour             uint8
	Commitment       commitment.Point
	Blinding         *big.Int
}

// Customer collects meter records, follows price updates and proves bills.
type Customer struct {
	params      *commitment.Params
	meterKey    *signing.PublicKey
	providerKey *signing.PublicKey
	meter       *Link
	provider    *Link
	prices      *tariff.PriceTable
	ledger      []LedgerRow
	opts        Options
}

// CustomerConfig wires a customer to its peers.
type CustomerConfig struct {
	Params      *commitment.Params
	MeterKey    *signing.PublicKey
	ProviderKey *signing.PublicKey
	// Prices is the table in force until the provider pushes another one.
	Prices   *tariff.PriceTable
	Meter    io.ReadWriter
	Provider io.ReadWriter
}

// NewCustomer validates cfg and returns a customer with an empty ledger.
func NewCustomer(cfg CustomerConfig, opts Options) (*Customer, error) {
	if cfg.Params == nil || cfg.MeterKey == nil || cfg.ProviderKey == nil || cfg.Prices == nil {
		return nil, errors.New("billing: customer needs params, meter key, provider key and prices")
	}
	if cfg.Meter == nil || cfg.Provider == nil {
		return nil, errors.New("billing: customer needs meter and provider channels")
	}
	opts = opts.withDefaults()
	return &Customer{
		params:      cfg.Params,
		meterKey:    cfg.MeterKey,
		providerKey: cfg.ProviderKey,
		meter:       NewLink(cfg.Meter, opts.PollInterval, opts.ReadTimeout),
		provider:    NewLink(cfg.Provider, opts.PollInterval, opts.ReadTimeout),
		prices:      cfg.Prices.Clone(),
		opts:        opts,
	}, nil
}

// ReadMeterMessages drains every buffered meter record into the ledger and returns
// how many were added. A record that fails verification stops the drain; rows read
// before it are kept.
func (c *Customer) ReadMeterMessages(ctx context.Context) (int, error) {
	added := 0
	for {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		ok, err := c.meter.Pending()
		if err != nil {
			return added, err
		}
		if !ok {
			return added, nil
		}
		row, err := c.readMeterRecord()
		if err != nil {
			c.opts.Observer.MessageRejected(KindMeterRecord, err)
			return added, err
		}
		c.ledger = append(c.ledger, row)
		c.opts.Observer.MessageReceived(KindMeterRecord)
		added++
	}
}

func (c *Customer) readMeterRecord() (LedgerRow, error) {
	opening, err := c.meter.readLine()
	if err != nil {
		return LedgerRow{}, err
	}
	signedLine, err := c.meter.readLine()
	if err != nil {
		return LedgerRow{}, err
	}
	units, a, err := parseOpening(c.prices.Variant(), opening)
	if err != nil {
		return LedgerRow{}, err
	}
	signed, err := parseStringified(signedLine)
	if err != nil {
		return LedgerRow{}, err
	}
	msg, err := c.meterKey.Open(signed)
	if err != nil {
		return LedgerRow{}, fmt.Errorf("%w: meter record: %w", ErrAuthentication, err)
	}
	point, hour, err := parseCommitmentMessage(msg)
	if err != nil {
		return LedgerRow{}, err
	}
	if !c.params.Opens(point, units.Scalar(), a) {
		return LedgerRow{}, fmt.Errorf("%w: opening does not match the signed commitment", ErrAuthentication)
	}
	return LedgerRow{
		SignedCommitment: signed,
		Units:            units,
		Hour:             hour,
		Commitment:       point,
		Blinding:         a,
	}, nil
}

// ReadProviderMessages applies the newest buffered price update, if any, and reports
// whether the table changed.
func (c *Customer) ReadProviderMessages(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	table, err := CheckForNewPrices(c.provider, c.providerKey, c.prices.Variant(), c.opts)
	if err != nil {
		return false, err
	}
	if table == nil {
		return false, nil
	}
	c.prices = table
	return true, nil
}

// PrepareBill prices the current ledger without sending or clearing anything.
func (c *Customer) PrepareBill() *BillProof {
	order := commitment.Order()
	proof := &BillProof{
		Bill:     new(big.Int),
		Blinding: new(big.Int),
		Rows:     make([][]byte, 0, len(c.ledger)),
	}
	term := new(big.Int)
	for _, row := range c.ledger {
		price := c.prices.Price(row.Hour).Scalar()
		proof.Bill.Add(proof.Bill, term.Mul(row.Units.Scalar(), price))
		proof.Blinding.Add(proof.Blinding, term.Mul(row.Blinding, price))
		proof.Blinding.Mod(proof.Blinding, order)
		proof.Rows = append(proof.Rows, row.SignedCommitment)
	}
	return proof
}

// SendBillingInformation sends a bill proof for the whole ledger to the provider.
// The ledger is cleared only once the proof has been written in full.
func (c *Customer) SendBillingInformation(ctx context.Context) (*BillProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proof := c.PrepareBill()
	msg := proof.Encode(c.prices.Variant())
	if err := c.provider.Write(msg); err != nil {
		return nil, err
	}
	c.ledger = nil
	c.opts.Observer.MessageSent(KindBillProof, len(msg))
	return proof, nil
}

// Ledger returns a copy of the rows not yet billed.
func (c *Customer) Ledger() []LedgerRow {
	return append([]LedgerRow(nil), c.ledger...)
}

// Prices returns a copy of the table in force.
func (c *Customer) Prices() *tariff.PriceTable { return c.prices.Clone() }
