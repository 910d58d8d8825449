package billing

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinkPollsConnectionsWithDeadlines(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	l := NewLink(a, 10*time.Millisecond, 0)
	ok, err := l.Pending()
	require.NoError(t, err)
	require.False(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = b.Write([]byte("hello\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, 0))

	line, err := l.readLine()
	require.NoError(t, err)
	require.Equal(t, "hello", line)
}

func TestLinkWriteToClosedPeerIsShortWrite(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	require.NoError(t, b.Close())

	l := NewLink(a, 10*time.Millisecond, 0)
	err := l.Write([]byte("x"))
	require.ErrorIs(t, err, ErrShortWrite)
}

func TestLinkStalledMessageTimesOut(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = b.Write([]byte("5 abc\n"))
	}()

	l := NewLink(a, 10*time.Millisecond, 100*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, 0))

	line, err := l.readLine()
	require.NoError(t, err)
	require.Equal(t, "5 abc", line)

	start := time.Now()
	_, err = l.readLine()
	require.ErrorIs(t, err, ErrTransport)
	require.Less(t, time.Since(start), time.Second)
}

func TestLinkClosedPeerIsTransportFailure(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	require.NoError(t, b.Close())

	l := NewLink(a, 10*time.Millisecond, 0)
	ok, err := l.Pending()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, io.EOF)
	require.True(t, Fatal(err))
}

func TestLinkEndOfBufferIsNoData(t *testing.T) {
	var buf bytes.Buffer
	l := NewLink(&buf, 0, 0)
	ok, err := l.Pending()
	require.NoError(t, err)
	require.False(t, ok)

	buf.WriteString("hello\n")
	ok, err = l.Pending()
	require.NoError(t, err)
	require.True(t, ok)
}
