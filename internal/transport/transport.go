// Package transport abstracts the authenticated byte-stream session the
// relay core runs on: one Link per remote peer, many Streams multiplexed
// over it. The SSH implementation lives in sshx; tests use memlink.
package transport

import (
	"context"
	"io"
	"net"
	"strconv"
)

// Endpoint identifies the remote peer a Link is established with.
type Endpoint struct {
	Address string // host:port
	User    string
}

// Destination is the fixed host:port every forwarding stream is opened
// against, as resolved from the remote peer's side.
type Destination struct {
	Host string
	Port uint32
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.FormatUint(uint64(d.Port), 10))
}

// DialPhase marks progress of a Dial so callers can report state.
type DialPhase int

const (
	// PhaseConnect covers the network-level connection to the peer.
	PhaseConnect DialPhase = iota
	// PhaseAuth covers the secure handshake and authentication.
	PhaseAuth
)

// Dialer establishes Links. Dial connects, performs the secure handshake
// and authenticates in one call; notify, when non-nil, is invoked as each
// phase begins. Failures are *ConnectError or *AuthError.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, notify func(DialPhase)) (Link, error)
}

// Link is one authenticated session to a remote peer. Implementations
// decline any stream the peer tries to open; only the local side opens
// streams here.
type Link interface {
	// OpenStream asks the peer to connect onward to dest and returns the
	// forwarding stream. origin is the address of the local connection the
	// stream is opened for. Failures are *OpenError unless ctx was
	// canceled outright.
	OpenStream(ctx context.Context, dest Destination, origin string) (Stream, error)

	// Ping sends a liveness probe and waits for the reply.
	Ping(ctx context.Context) error

	// Done is closed once the underlying connection is gone; Err reports
	// why.
	Done() <-chan struct{}
	Err() error

	Close() error
}

// Stream is one logical byte stream over a Link. CloseWrite half-closes:
// no more local writes, the read side stays open until the peer closes.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}
