package billing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"meterbill/internal/signing"
	"meterbill/internal/tariff"
)

const (
	timestampSize = 8
	// PriceBlobSize is the exact size of one signed price update.
	PriceBlobSize = signing.SignatureSize + timestampSize + tariff.TableSize
	// FreshnessMonths is the age after which a price update is refused.
	FreshnessMonths = 2
	// DefaultClockSkew is how far ahead of the receiver's clock a price update may be.
	DefaultClockSkew = 5 * time.Minute
)

// EncodePriceUpdate signs the timestamped table.
func EncodePriceUpdate(sk *signing.PrivateKey, table *tariff.PriceTable, at time.Time) ([]byte, error) {
	payload := make([]byte, 0, timestampSize+tariff.TableSize)
	payload = binary.BigEndian.AppendUint64(payload, uint64(at.Unix()))
	payload = table.AppendBinary(payload)
	return sk.Sign(payload)
}

// SendPrices writes one signed price update to l.
func SendPrices(l *Link, sk *signing.PrivateKey, table *tariff.PriceTable, at time.Time) error {
	blob, err := EncodePriceUpdate(sk, table, at)
	if err != nil {
		return err
	}
	return l.Write(blob)
}

// OpenPriceUpdate authenticates blob, checks that its timestamp lies within the
// freshness window around now, and decodes the table.
func OpenPriceUpdate(blob []byte, pk *signing.PublicKey, v tariff.Variant, now time.Time, skew time.Duration) (*tariff.PriceTable, time.Time, error) {
	if len(blob) != PriceBlobSize {
		return nil, time.Time{}, fmt.Errorf("%w: price update is %d bytes, want %d", ErrMalformed, len(blob), PriceBlobSize)
	}
	payload, err := pk.Open(blob)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: price update: %w", ErrAuthentication, err)
	}
	ts := time.Unix(int64(binary.BigEndian.Uint64(payload[:timestampSize])), 0)
	if ts.Before(now.AddDate(0, -FreshnessMonths, 0)) {
		return nil, ts, fmt.Errorf("%w: issued %s", ErrStalePrices, ts.UTC().Format(time.RFC3339))
	}
	if ts.After(now.Add(skew)) {
		return nil, ts, fmt.Errorf("%w: issued in the future at %s", ErrStalePrices, ts.UTC().Format(time.RFC3339))
	}
	table, err := tariff.DecodePriceTable(v, payload[timestampSize:])
	if err != nil {
		if errors.Is(err, tariff.ErrNegativeValue) {
			return nil, ts, fmt.Errorf("%w: %w", ErrNegativePrice, err)
		}
		return nil, ts, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return table, ts, nil
}

// CheckForNewPrices drains every price update buffered on l and returns the table of
// the last one. It returns a nil table when nothing was buffered. Any update that
// fails authentication or freshness aborts the drain.
func CheckForNewPrices(l *Link, pk *signing.PublicKey, v tariff.Variant, opts Options) (*tariff.PriceTable, error) {
	opts = opts.withDefaults()
	var latest *tariff.PriceTable
	for {
		ok, err := l.Pending()
		if err != nil {
			return nil, err
		}
		if !ok {
			return latest, nil
		}
		blob, err := l.readFull(PriceBlobSize)
		if err != nil {
			return nil, err
		}
		table, _, err := OpenPriceUpdate(blob, pk, v, opts.Now(), opts.ClockSkew)
		if err != nil {
			opts.Observer.MessageRejected(KindPriceUpdate, err)
			return nil, err
		}
		opts.Observer.MessageReceived(KindPriceUpdate)
		latest = table
	}
}
