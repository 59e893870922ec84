// Package session owns the lifecycle of one authenticated transport
// session and the table of channels multiplexed over it. A session moves
// Disconnected -> Connecting -> Authenticating -> Ready, then to Closed on
// a graceful Close or to Failed when the link or its keepalive dies. A
// failure cascades to every registered channel before anything else
// observes the session as dead.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/transport"
)

const (
	DefaultOpenTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultWindow            = 256 << 10
)

// Options tune one session. Zero values fall back to the defaults above.
type Options struct {
	OpenTimeout       time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	Window            int64
	Clock             clock.Clock
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	return o
}

type Session struct {
	dialer transport.Dialer
	ep     transport.Endpoint
	dest   transport.Destination
	opts   Options
	clk    clock.Clock

	mu         sync.Mutex
	state      State
	link       transport.Link
	failCause  error
	lastActive time.Time

	tbl *table

	done      chan struct{}
	closeDone sync.Once
}

func New(d transport.Dialer, ep transport.Endpoint, dest transport.Destination, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		dialer: d,
		ep:     ep,
		dest:   dest,
		opts:   opts,
		clk:    opts.Clock,
		state:  Disconnected,
		tbl:    newTable(),
		done:   make(chan struct{}),
	}
}

// Connect dials and authenticates. On success the session is Ready and its
// keepalive and link watchers are running; on failure it is Failed and the
// dial error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return fmt.Errorf("connect from state %s", s.state)
	}
	s.state = Connecting
	s.mu.Unlock()

	link, err := s.dialer.Dial(ctx, s.ep, func(p transport.DialPhase) {
		if p != transport.PhaseAuth {
			return
		}
		s.mu.Lock()
		if s.state == Connecting {
			s.state = Authenticating
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	if err != nil {
		s.state = Failed
		s.failCause = err
		s.mu.Unlock()
		s.closeDone.Do(func() { close(s.done) })
		return err
	}
	if s.state != Connecting && s.state != Authenticating {
		// Closed while the dial was in flight.
		s.mu.Unlock()
		_ = link.Close()
		return ErrSessionClosed
	}
	s.state = Ready
	s.link = link
	s.lastActive = s.clk.Now()
	s.mu.Unlock()

	obs.SessionUp.Set(1)
	obs.Info("session.ready", obs.Fields{"endpoint": s.ep.Address, "user": s.ep.User})
	go s.watchLink(link)
	go s.keepaliveLoop(link)
	return nil
}

// OpenChannel asks the peer for a stream to the session's destination and
// registers it in the channel table. The channel is registered before the
// open goes out so a session failure racing the open still invalidates it.
func (s *Session) OpenChannel(ctx context.Context, origin string) (*Channel, error) {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	link := s.link
	ch := newChannel(s.dest, origin, s.opts.Window, s.clk.Now())
	id := s.tbl.register(ch)
	s.mu.Unlock()

	obs.Debug("channel.open.request", obs.Fields{"id": id, "origin": origin, "dest": s.dest.String()})

	octx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
	defer cancel()
	stream, err := link.OpenStream(octx, s.dest, origin)
	if err != nil {
		s.tbl.remove(id)
		ch.reject(err)
		obs.ChannelOpenErrorsTotal.WithLabelValues(openErrReason(err)).Inc()
		obs.Error("channel.open.error", obs.Fields{"id": id, "origin": origin, "err": err.Error()})
		return nil, err
	}
	if !ch.setOpen(stream) {
		// The session failed while the open was in flight; the channel
		// was already invalidated by the cascade.
		_ = stream.Close()
		return nil, ErrNotReady
	}
	s.touch()
	obs.ChannelsOpenedTotal.Inc()
	obs.Info("channel.open", obs.Fields{"id": id, "origin": origin, "dest": s.dest.String()})
	return ch, nil
}

func openErrReason(err error) string {
	var oe *transport.OpenError
	if errors.As(err, &oe) {
		if oe.Timeout {
			return "timeout"
		}
		return "rejected"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

// Detach removes a finished channel from the table. The relay engine calls
// this once both directions are done; the channel's identifier is never
// handed out again.
func (s *Session) Detach(id uint32) {
	s.tbl.remove(id)
}

// Close tears the session down gracefully: every channel gets a half-close
// before its stream is closed, then the link goes away.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Closing, Closed, Failed:
		s.mu.Unlock()
		return nil
	case Ready:
	default:
		s.state = Closed
		s.mu.Unlock()
		s.closeDone.Do(func() { close(s.done) })
		return nil
	}
	s.state = Closing
	link := s.link
	s.mu.Unlock()

	for _, c := range s.tbl.drainAll() {
		c.shutdown()
	}
	_ = link.Close()

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	obs.SessionUp.Set(0)
	obs.Info("session.closed", obs.Fields{"endpoint": s.ep.Address})
	s.closeDone.Do(func() { close(s.done) })
	return nil
}

// fail flips the session to Failed and synchronously invalidates every
// channel before the state change becomes observable through Done.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	switch s.state {
	case Closing, Closed, Failed:
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.failCause = cause
	link := s.link
	s.mu.Unlock()

	for _, c := range s.tbl.drainAll() {
		c.Fail(cause)
	}
	if link != nil {
		_ = link.Close()
	}
	obs.SessionUp.Set(0)
	obs.SessionFailuresTotal.Inc()
	obs.Error("session.failed", obs.Fields{"endpoint": s.ep.Address, "err": cause.Error()})
	s.closeDone.Do(func() { close(s.done) })
}

func (s *Session) watchLink(link transport.Link) {
	select {
	case <-link.Done():
		err := link.Err()
		if err == nil {
			err = errors.New("connection closed")
		}
		s.fail(&FailureError{Cause: err})
	case <-s.done:
	}
}

func (s *Session) keepaliveLoop(link transport.Link) {
	tk := s.clk.NewTicker(s.opts.KeepaliveInterval)
	defer tk.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tk.C():
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.KeepaliveTimeout)
		err := link.Ping(ctx)
		cancel()
		if err != nil {
			obs.KeepaliveFailuresTotal.Inc()
			s.fail(&FailureError{Cause: fmt.Errorf("keepalive: %w", err)})
			return
		}
		s.touch()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.clk.Now()
	s.mu.Unlock()
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session failed, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failCause
}

// Done closes when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActive reports when traffic or a keepalive last moved.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// ActiveChannels reports how many channels the table holds.
func (s *Session) ActiveChannels() int { return s.tbl.size() }

// Snapshot returns the state and a per-channel view for status surfaces.
func (s *Session) Snapshot() (State, []ChannelInfo) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return st, s.tbl.snapshot()
}
