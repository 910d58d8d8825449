package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// acceptPoll is how often a blocked Accept re-checks its context.
const acceptPoll = 200 * time.Millisecond

var ErrUnknownPeer = errors.New("p2p: unknown peer")

// Node is one billing role on the network. A node listens on Address when it has
// one, and dials its peers by ID.
type Node struct {
	ID      string
	Network string
	Address string
	Peers   map[string]string // Map of peer ID to its address

	log zerolog.Logger
	ln  net.Listener
}

// NewNode creates a node. network is "tcp" or "unix"; empty means "tcp".
func NewNode(id, network, address string, peers map[string]string, log zerolog.Logger) *Node {
	if network == "" {
		network = "tcp"
	}
	if peers == nil {
		peers = make(map[string]string)
	}
	return &Node{
		ID:      id,
		Network: network,
		Address: address,
		Peers:   peers,
		log:     log.With().Str("node", id).Logger(),
	}
}

// Listen binds the node's address.
func (n *Node) Listen() error {
	if n.Address == "" {
		return fmt.Errorf("p2p: node %s has no listen address", n.ID)
	}
	ln, err := net.Listen(n.Network, n.Address)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", n.Address, err)
	}
	n.ln = ln
	n.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (n *Node) Addr() net.Addr {
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// Accept waits for one inbound connection or for ctx to end.
func (n *Node) Accept(ctx context.Context) (net.Conn, error) {
	if n.ln == nil {
		return nil, fmt.Errorf("p2p: node %s is not listening", n.ID)
	}
	dl, canPoll := n.ln.(deadlineListener)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if canPoll {
			if err := dl.SetDeadline(time.Now().Add(acceptPoll)); err != nil {
				return nil, err
			}
		}
		conn, err := n.ln.Accept()
		if err == nil {
			n.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
			return conn, nil
		}
		var ne net.Error
		if canPoll && errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, fmt.Errorf("p2p: accept: %w", err)
	}
}

// Dial connects to a known peer, retrying with exponential backoff until it
// answers, ctx ends, or maxWait elapses. A zero maxWait retries until ctx ends.
func (n *Node) Dial(ctx context.Context, peerID string, maxWait time.Duration) (net.Conn, error) {
	addr, ok := n.Peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var d net.Dialer
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		return d.DialContext(ctx, n.Network, addr)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.log.Debug().Err(err).Str("peer", peerID).Dur("retry_in", next).Msg("dial failed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial %s at %s: %w", peerID, addr, err)
	}
	n.log.Info().Str("peer", peerID).Str("addr", addr).Msg("connected")
	return conn, nil
}

// Close stops listening.
func (n *Node) Close() error {
	if n.ln == nil {
		return nil
	}
	return n.ln.Close()
}
