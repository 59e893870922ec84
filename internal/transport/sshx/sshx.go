// Package sshx runs the forwarding transport over SSH: one ssh.Client per
// link, one direct-tcpip channel per stream. The client side never serves
// channels itself, so anything the peer tries to open comes back rejected.
package sshx

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"

	"github.com/matst80/sshfwd/internal/transport"
)

// Dialer opens SSH links. The zero value authenticates with the agent and
// an interactive password, and trusts host keys on first use.
type Dialer struct {
	// KeyFile is an optional path to an unencrypted private key.
	KeyFile string
	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string
	HostKeyPolicy  HostKeyPolicy
	// ConnectTimeout bounds the whole dial, TCP plus handshake. Zero
	// means no limit beyond ctx.
	ConnectTimeout time.Duration
	// PasswordPrompt is asked for a password once the other methods are
	// exhausted; nil disables password authentication.
	PasswordPrompt func(user, host string) (string, error)
}

func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint, notify func(transport.DialPhase)) (transport.Link, error) {
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, &transport.ConnectError{Endpoint: ep.Address, Err: err}
	}
	cfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            d.authMethods(ep),
		HostKeyCallback: hostKeys,
	}

	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	if notify != nil {
		notify(transport.PhaseConnect)
	}
	var cl *ssh.Client
	err = doAsync(ctx, func() error {
		conn, err := proxy.FromEnvironment().Dial("tcp", ep.Address)
		if err != nil {
			return &transport.ConnectError{Endpoint: ep.Address, Err: err}
		}
		if notify != nil {
			notify(transport.PhaseAuth)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, ep.Address, cfg)
		if err != nil {
			conn.Close()
			return classifyHandshakeErr(ep, err)
		}
		cl = ssh.NewClient(c, chans, reqs)
		return nil
	}, func() {
		if cl != nil {
			cl.Close()
		}
	})
	if err != nil {
		var ce *transport.ConnectError
		var ae *transport.AuthError
		if !errors.As(err, &ce) && !errors.As(err, &ae) {
			err = &transport.ConnectError{Endpoint: ep.Address, Err: err}
		}
		return nil, err
	}
	return newLink(cl), nil
}

// classifyHandshakeErr separates credential rejections from everything
// else. The ssh package folds auth failures into one message, so the text
// is all there is to go on.
func classifyHandshakeErr(ep transport.Endpoint, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &transport.AuthError{Endpoint: ep.Address, User: ep.User, Err: err}
	}
	return &transport.ConnectError{Endpoint: ep.Address, Err: err}
}
