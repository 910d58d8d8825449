package billing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultPollInterval is how long a non-blocking read waits for a first byte.
const DefaultPollInterval = 20 * time.Millisecond

// DefaultReadTimeout bounds the rest of a message once its first byte has arrived.
const DefaultReadTimeout = 5 * time.Second

// deadliner is implemented by network connections.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Link is one direction-agnostic byte channel between two roles.
//
// Reads are message oriented: Pending reports whether the first byte of a message is
// available without blocking longer than the poll interval, after which the remainder
// of the message must arrive within the read timeout. Channels that support read
// deadlines are polled with a short deadline, and for them end of stream means the
// peer is gone. Other readers, such as in-memory buffers, signal "no data" with io.EOF.
type Link struct {
	rw          io.ReadWriter
	r           *bufio.Reader
	poll        time.Duration
	readTimeout time.Duration
}

// NewLink wraps rw. Non-positive durations use DefaultPollInterval and
// DefaultReadTimeout.
func NewLink(rw io.ReadWriter, poll, readTimeout time.Duration) *Link {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Link{rw: rw, r: bufio.NewReader(rw), poll: poll, readTimeout: readTimeout}
}

// Pending reports whether a message has started to arrive. When it reports true on a
// connection, the rest of the message must be read within readTimeout.
func (l *Link) Pending() (bool, error) {
	d, isConn := l.rw.(deadliner)
	if l.r.Buffered() == 0 {
		if isConn {
			if err := d.SetReadDeadline(time.Now().Add(l.poll)); err != nil {
				return false, fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}
		_, err := l.r.Peek(1)
		switch {
		case err == nil:
		case isTimeout(err):
			return false, nil
		case errors.Is(err, io.EOF) && !isConn:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	if isConn {
		if err := d.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return false, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return true, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Wait blocks until a message starts to arrive. It polls with exponential backoff
// until ctx is done or maxWait has elapsed; a zero maxWait waits for ctx alone.
func (l *Link) Wait(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.poll
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := l.Pending()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrNoMessage
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(maxWait))
	return err
}

// Write sends one complete message in a single write.
func (l *Link) Write(b []byte) error {
	n, err := l.rw.Write(b)
	if n < len(b) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("%w: wrote %d of %d bytes: %w", ErrShortWrite, n, len(b), err)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (l *Link) readLine() (string, error) {
	return readLine(l.r)
}

func (l *Link) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return buf, nil
}

// readLine returns the next line without its terminator. A line cut short by the end
// of the stream is a transport failure.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
