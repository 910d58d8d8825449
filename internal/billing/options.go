package billing

import (
	"crypto/rand"
	"io"
	"time"
)

// Options tunes a role. The zero value is usable.
type Options struct {
	// PollInterval bounds how long a non-blocking read waits for data.
	PollInterval time.Duration
	// MaxWait bounds blocking receives. Zero waits until the context is done.
	MaxWait time.Duration
	// ReadTimeout bounds the rest of a message once it has started to arrive.
	ReadTimeout time.Duration
	// ClockSkew is how far in the future a price timestamp may lie.
	ClockSkew time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Rand is the source of blinding factors. Defaults to crypto/rand.
	Rand     io.Reader
	Observer Observer
	// Recorder, when set, receives every verdict the provider reaches.
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = DefaultClockSkew
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}
