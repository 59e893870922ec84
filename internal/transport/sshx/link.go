package sshx

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/sshfwd/internal/transport"
)

// directTCPIPMsg is the payload of a direct-tcpip channel open request.
// See RFC 4254 7.2.
type directTCPIPMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

type link struct {
	client *ssh.Client
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newLink(cl *ssh.Client) *link {
	l := &link{client: cl, done: make(chan struct{})}
	go l.wait()
	return l
}

func (l *link) wait() {
	err := l.client.Wait()
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

func (l *link) OpenStream(ctx context.Context, dest transport.Destination, origin string) (transport.Stream, error) {
	laddr, lport := splitOrigin(origin)
	msg := directTCPIPMsg{
		Raddr: dest.Host,
		Rport: dest.Port,
		Laddr: laddr,
		Lport: lport,
	}
	var ch ssh.Channel
	err := doAsync(ctx, func() error {
		c, reqs, err := l.client.OpenChannel("direct-tcpip", ssh.Marshal(&msg))
		if err != nil {
			return err
		}
		go ssh.DiscardRequests(reqs)
		ch = c
		return nil
	}, func() {
		if ch != nil {
			ch.Close()
		}
	})
	if err != nil {
		return nil, openError(dest, err)
	}
	return &stream{ch}, nil
}

func openError(dest transport.Destination, err error) error {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		return &transport.OpenError{Dest: dest, Reason: oce.Message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &transport.OpenError{Dest: dest, Timeout: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &transport.OpenError{Dest: dest, Reason: err.Error(), Err: err}
}

// splitOrigin parses a host:port origin for the channel open payload.
// Origins that do not parse are passed through with a zero port.
func splitOrigin(origin string) (string, uint32) {
	host, portStr, err := net.SplitHostPort(origin)
	if err != nil {
		return origin, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint32(port)
}

func (l *link) Ping(ctx context.Context) error {
	return doAsync(ctx, func() error {
		_, _, err := l.client.SendRequest("keepalive@openssh.com", true, nil)
		return err
	}, nil)
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) Close() error {
	return l.client.Close()
}

type stream struct {
	ssh.Channel
}
