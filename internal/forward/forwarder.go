// Package forward accepts local TCP connections and hands each one to a
// channel relayed over the current session.
package forward

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/matst80/sshfwd/internal/netutil"
	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/ratelimit"
	"github.com/matst80/sshfwd/internal/relay"
	"github.com/matst80/sshfwd/internal/session"
)

const DefaultGracePeriod = 10 * time.Second

// SessionSource hands out the session new connections should forward
// over. *session.Supervisor satisfies it.
type SessionSource interface {
	Current() *session.Session
}

type Forwarder struct {
	ln    net.Listener
	src   SessionSource
	limit *ratelimit.Limiter // nil when accept limiting is off
	grace time.Duration
	wg    sync.WaitGroup
}

func New(ln net.Listener, src SessionSource, limit *ratelimit.Limiter, grace time.Duration) *Forwarder {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Forwarder{ln: ln, src: src, limit: limit, grace: grace}
}

// Addr is the bound local address.
func (f *Forwarder) Addr() net.Addr { return f.ln.Addr() }

// Serve accepts until ctx is cancelled or the listener dies. Each
// connection gets its own goroutine, so a slow channel open never blocks
// the accept loop. On cancellation the listener closes first, then Serve
// waits up to the grace period for running relays to drain.
func (f *Forwarder) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = f.ln.Close()
	}()

	obs.Info("forward.listening", obs.Fields{"address": f.ln.Addr().String()})
	for {
		select {
		case <-ctx.Done():
			return f.drain()
		default:
		}
		c, err := f.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return f.drain()
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				obs.Error("accept.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		source := netutil.HostOnly(c.RemoteAddr().String())
		if f.limit != nil && !f.limit.Allow(source) {
			obs.Warn("accept.limited", obs.Fields{"source": source})
			obs.AcceptRejectedTotal.WithLabelValues("ratelimited").Inc()
			_ = c.Close()
			continue
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handle(ctx, c)
		}()
	}
}

func (f *Forwarder) drain() error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		obs.Info("forward.drained", obs.Fields{})
	case <-time.After(f.grace):
		obs.Warn("forward.drain.timeout", obs.Fields{"grace_ms": f.grace.Milliseconds()})
	}
	return nil
}

func (f *Forwarder) handle(ctx context.Context, c net.Conn) {
	origin := c.RemoteAddr().String()
	s := f.src.Current()
	if s == nil {
		obs.Error("forward.no_session", obs.Fields{"origin": origin})
		obs.AcceptRejectedTotal.WithLabelValues("no_session").Inc()
		_ = c.Close()
		return
	}
	ch, err := s.OpenChannel(ctx, origin)
	if err != nil {
		obs.Error("forward.open.error", obs.Fields{"origin": origin, "err": err.Error()})
		obs.AcceptRejectedTotal.WithLabelValues(openCause(err)).Inc()
		_ = c.Close()
		return
	}
	relay.Run(c, ch, s)
}

func openCause(err error) string {
	if errors.Is(err, session.ErrNotReady) {
		return "no_session"
	}
	return "open_failed"
}
