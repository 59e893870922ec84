package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/transport"
)

const (
	DefaultMaxAttempts = 5
	DefaultRetryBase   = 2 * time.Second
	DefaultRetryMax    = 5 * time.Minute
)

// RetryPolicy bounds connect retries: MaxAttempts consecutive failed dials
// are fatal, with the wait doubling from Base up to Max between them.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d <<= 1
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Supervisor keeps one session alive: it dials, publishes the session for
// the forwarder, and redials when the session dies. Consecutive connect
// failures beyond the policy's budget end Run with a fatal error.
type Supervisor struct {
	dialer transport.Dialer
	ep     transport.Endpoint
	dest   transport.Destination
	opts   Options
	policy RetryPolicy
	clk    clock.Clock

	mu  sync.Mutex
	cur *Session
}

func NewSupervisor(d transport.Dialer, ep transport.Endpoint, dest transport.Destination, opts Options, policy RetryPolicy) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		dialer: d,
		ep:     ep,
		dest:   dest,
		opts:   opts,
		policy: policy.withDefaults(),
		clk:    opts.Clock,
	}
}

// Current returns the most recently published session, nil while none is
// up. The session it returns may have failed since publication; callers
// find out through OpenChannel.
func (sv *Supervisor) Current() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.cur
}

func (sv *Supervisor) publish(s *Session) {
	sv.mu.Lock()
	sv.cur = s
	sv.mu.Unlock()
}

// Run connects and reconnects until ctx is cancelled or the retry budget
// is spent. Cancellation returns nil and leaves the published session up
// so in-flight relays can drain; Shutdown closes it afterwards.
func (sv *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s := New(sv.dialer, sv.ep, sv.dest, sv.opts)
		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			obs.Warn("supervisor.connect.error", obs.Fields{"attempt": attempt, "max": sv.policy.MaxAttempts, "err": err.Error()})
			if attempt >= sv.policy.MaxAttempts {
				obs.Error("supervisor.giving_up", obs.Fields{"attempts": attempt, "err": err.Error()})
				return fmt.Errorf("giving up after %d connect attempts: %w", attempt, err)
			}
			if !sv.sleep(ctx, sv.policy.delay(attempt)) {
				return nil
			}
			continue
		}
		attempt = 0
		sv.publish(s)

		select {
		case <-ctx.Done():
			// Session stays up; the caller closes it once in-flight
			// relays have drained.
			return nil
		case <-s.Done():
			sv.publish(nil)
			obs.ReconnectsTotal.Inc()
			cause := "connection closed"
			if err := s.Err(); err != nil {
				cause = err.Error()
			}
			obs.Warn("supervisor.session.lost", obs.Fields{"err": cause})
			if !sv.sleep(ctx, sv.policy.Base) {
				return nil
			}
		}
	}
}

func (sv *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	tm := sv.clk.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown closes the published session, if any. Called after Run has
// returned and the forwarder has drained.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	s := sv.cur
	sv.cur = nil
	sv.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}
