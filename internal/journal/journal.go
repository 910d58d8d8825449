// journal.go - Append-only record of every bill the provider has judged.
//
// Each verdict becomes one Entry with a sequence number. Entries are never rewritten,
// so the journal doubles as an audit trail of accepted and rejected bills.
//
// NOTE: Journal is not safe for concurrent use; the provider drives it from one goroutine.

package journal

import (
	"context"
	"errors"
	"time"

	"meterbill/internal/billing"
)

var ErrClosed = errors.New("journal: store closed")

// Entry is one recorded verdict.
type Entry struct {
	Seq      int64     `json:"seq"`
	At       time.Time `json:"at"`
	Bill     string    `json:"bill"`
	Amount   string    `json:"amount"`
	Rows     int       `json:"rows"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
}

// Store persists entries in order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
	Close() error
}

// Journal turns provider verdicts into entries.
type Journal struct {
	store Store
	next  int64
}

// New opens a journal on top of store and continues its sequence.
func New(ctx context.Context, store Store) (*Journal, error) {
	existing, err := store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	j := &Journal{store: store, next: 1}
	if n := len(existing); n > 0 {
		j.next = existing[n-1].Seq + 1
	}
	return j, nil
}

// RecordVerdict appends v as the next entry.
func (j *Journal) RecordVerdict(ctx context.Context, v billing.Verdict) error {
	e := Entry{
		Seq:      j.next,
		At:       v.At.UTC(),
		Bill:     v.Bill,
		Rows:     v.Rows,
		Accepted: v.Accepted,
		Reason:   v.Reason,
	}
	if v.Amount != nil {
		e.Amount = v.Amount.RatString()
	}
	if err := j.store.Append(ctx, e); err != nil {
		return err
	}
	j.next++
	return nil
}

// Entries returns everything recorded so far.
func (j *Journal) Entries(ctx context.Context) ([]Entry, error) {
	return j.store.Entries(ctx)
}

// Totals sums accepted and rejected entries.
func (j *Journal) Totals(ctx context.Context) (accepted, rejected int, err error) {
	entries, err := j.store.Entries(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.Accepted {
			accepted++
		} else {
			rejected++
		}
	}
	return accepted, rejected, nil
}

// Close releases the store.
func (j *Journal) Close() error { return j.store.Close() }

// Memory keeps entries in process.
type Memory struct {
	entries []Entry
	closed  bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, e Entry) error {
	if m.closed {
		return ErrClosed
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Entries(context.Context) ([]Entry, error) {
	if m.closed {
		return nil, ErrClosed
	}
	return append([]Entry(nil), m.entries...), nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}
