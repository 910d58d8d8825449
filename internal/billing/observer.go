package billing

import (
	"context"
	"math/big"
	"time"
)

// MessageKind labels the three message types for observers.
type MessageKind string

const (
	KindMeterRecord MessageKind = "meter_record"
	KindBillProof   MessageKind = "bill_proof"
	KindPriceUpdate MessageKind = "price_update"
)

// Observer receives protocol events, typically to export metrics.
type Observer interface {
	MessageSent(kind MessageKind, size int)
	MessageReceived(kind MessageKind)
	MessageRejected(kind MessageKind, err error)
	BillVerified(rows int, accepted bool, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) MessageSent(MessageKind, int) {}
func (nopObserver) MessageReceived(MessageKind) {}
func (nopObserver) MessageRejected(MessageKind, error) {}
func (nopObserver) BillVerified(int, bool, time.Duration) {}

// Verdict is the provider's decision on one bill proof.
type Verdict struct {
	At       time.Time
	Bill     string
	Amount   *big.Rat
	Rows     int
	Accepted bool
	Reason   string
}

// Recorder persists verdicts. The provider records every verdict before it acts on it.
type Recorder interface {
	RecordVerdict(ctx context.Context, v Verdict) error
}
