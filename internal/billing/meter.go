package billing

import (
	"context"
	"errors"
	"io"

	"meterbill/internal/commitment"
	"meterbill/internal/signing"
	"meterbill/internal/tariff"
)

// Meter commits to readings and forwards the openings to the customer.
type Meter struct {
	params   *commitment.Params
	key      *signing.PrivateKey
	customer *Link
	opts     Options
	sent     int
}

// NewMeter returns a meter that signs with key and writes to customer.
func NewMeter(params *commitment.Params, key *signing.PrivateKey, customer io.ReadWriter, opts Options) (*Meter, error) {
	if params == nil || key == nil || customer == nil {
		return nil, errors.New("billing: meter needs params, key and customer channel")
	}
	opts = opts.withDefaults()
	return &Meter{
		params:   params,
		key:      key,
		customer: NewLink(customer, opts.PollInterval, opts.ReadTimeout),
		opts:     opts,
	}, nil
}

// Consume commits to one reading and sends the record to the customer.
// The reading is validated before anything is written.
func (m *Meter) Consume(ctx context.Context, r tariff.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := tariff.NewReading(int(r.Hour), r.Units); err != nil {
		return err
	}
	record, err := m.record(r)
	if err != nil {
		return err
	}
	if err := m.customer.Write(record); err != nil {
		return err
	}
	m.sent++
	m.opts.Observer.MessageSent(KindMeterRecord, len(record))
	return nil
}

func (m *Meter) record(r tariff.Reading) ([]byte, error) {
	a, err := commitment.RandomBlinding(m.opts.Rand)
	if err != nil {
		return nil, err
	}
	c := m.params.Commit(r.Units.Scalar(), a)
	signed, err := m.key.Sign(commitmentMessage(c, r.Hour))
	if err != nil {
		return nil, err
	}
	return encodeMeterRecord(r.Units, a, signed), nil
}

// Sent returns the number of records written so far.
func (m *Meter) Sent() int { return m.sent }
