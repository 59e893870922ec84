// Package memlink is an in-memory loopback transport: Dial hands back a
// Link whose streams are served in-process by a configurable destination
// handler, standing in for the remote peer and its onward connection.
// Tests use it to exercise the session, relay and forwarding layers
// without a network or a real peer.
package memlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matst80/sshfwd/internal/transport"
)

// ErrLinkClosed is returned for operations on a broken or closed link.
var ErrLinkClosed = errors.New("memlink: link closed")

// Handler serves the destination side of one stream.
type Handler func(dest transport.Destination, s transport.Stream)

// Transport fabricates loopback links. The zero value is not usable; call
// New.
type Transport struct {
	mu        sync.Mutex
	handler   Handler
	connErr   error
	authErr   error
	openDelay time.Duration
	reject    string
	pingErr   error
	bufSize   int
	dials     int
	origins   []string
	last      *Link
}

func New() *Transport {
	return &Transport{bufSize: 64 * 1024}
}

// Handle installs the destination-side handler for accepted streams.
func (t *Transport) Handle(fn Handler) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// SetBufferSize caps each pipe direction's in-flight bytes.
func (t *Transport) SetBufferSize(n int) {
	t.mu.Lock()
	t.bufSize = n
	t.mu.Unlock()
}

// FailConnects makes subsequent dials fail at the network phase.
func (t *Transport) FailConnects(err error) {
	t.mu.Lock()
	t.connErr = err
	t.mu.Unlock()
}

// FailAuth makes subsequent dials fail at the authentication phase.
func (t *Transport) FailAuth(err error) {
	t.mu.Lock()
	t.authErr = err
	t.mu.Unlock()
}

// RejectOpens makes the peer decline stream opens with the given reason;
// empty restores acceptance.
func (t *Transport) RejectOpens(reason string) {
	t.mu.Lock()
	t.reject = reason
	t.mu.Unlock()
}

// DelayOpens delays stream opens, for exercising open timeouts.
func (t *Transport) DelayOpens(d time.Duration) {
	t.mu.Lock()
	t.openDelay = d
	t.mu.Unlock()
}

// FailPings makes keepalive probes fail.
func (t *Transport) FailPings(err error) {
	t.mu.Lock()
	t.pingErr = err
	t.mu.Unlock()
}

// Dials reports how many dial attempts were made.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// LastLink returns the most recently dialed link, nil before any dial
// succeeds.
func (t *Transport) LastLink() *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Origins lists the origin addresses passed to successful stream opens.
func (t *Transport) Origins() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.origins...)
}

func (t *Transport) Dial(ctx context.Context, ep transport.Endpoint, notify func(transport.DialPhase)) (transport.Link, error) {
	t.mu.Lock()
	t.dials++
	connErr, authErr := t.connErr, t.authErr
	t.mu.Unlock()
	if notify != nil {
		notify(transport.PhaseConnect)
	}
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectError{Endpoint: ep.Address, Err: err}
	}
	if connErr != nil {
		return nil, &transport.ConnectError{Endpoint: ep.Address, Err: connErr}
	}
	if notify != nil {
		notify(transport.PhaseAuth)
	}
	if authErr != nil {
		return nil, &transport.AuthError{Endpoint: ep.Address, User: ep.User, Err: authErr}
	}
	l := &Link{t: t, done: make(chan struct{})}
	t.mu.Lock()
	t.last = l
	t.mu.Unlock()
	return l, nil
}

// Link is one loopback session.
type Link struct {
	t    *Transport
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	pairs  [][2]*stream
}

func (l *Link) OpenStream(ctx context.Context, dest transport.Destination, origin string) (transport.Stream, error) {
	l.t.mu.Lock()
	delay, reject, handler, buf := l.t.openDelay, l.t.reject, l.t.handler, l.t.bufSize
	l.t.mu.Unlock()

	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	if delay > 0 {
		tm := time.NewTimer(delay)
		defer tm.Stop()
		select {
		case <-tm.C:
		case <-l.done:
			return nil, ErrLinkClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &transport.OpenError{Dest: dest, Timeout: true, Err: ctx.Err()}
			}
			return nil, ctx.Err()
		}
	}
	if reject != "" {
		return nil, &transport.OpenError{Dest: dest, Reason: reject}
	}
	if handler == nil {
		return nil, &transport.OpenError{Dest: dest, Reason: "no destination handler"}
	}
	local, remote := newStreamPair(buf)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLinkClosed
	}
	l.pairs = append(l.pairs, [2]*stream{local, remote})
	l.mu.Unlock()
	l.t.mu.Lock()
	l.t.origins = append(l.t.origins, origin)
	l.t.mu.Unlock()
	go handler(dest, remote)
	return local, nil
}

func (l *Link) Ping(ctx context.Context) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.t.mu.Lock()
	err := l.t.pingErr
	l.t.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Break simulates the underlying connection dying: every stream fails and
// Done fires with cause as the link error.
func (l *Link) Break(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = cause
	pairs := l.pairs
	l.mu.Unlock()
	streamErr := cause
	if streamErr == nil {
		streamErr = ErrLinkClosed
	}
	// Both ends of a pair share the same two pipes; poisoning one end
	// reaches both.
	for _, p := range pairs {
		p[0].failBoth(streamErr)
	}
	close(l.done)
}

func (l *Link) Close() error {
	l.Break(nil)
	return nil
}
