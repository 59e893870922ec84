package session

import (
	"sync"
	"time"

	"github.com/matst80/sshfwd/internal/transport"
)

// ChannelState tracks one channel through open, half-close and close.
type ChannelState int

const (
	ChannelRequesting ChannelState = iota
	ChannelOpen
	ChannelHalfClosedLocal
	ChannelHalfClosedRemote
	ChannelClosed
	ChannelRejected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelRequesting:
		return "requesting"
	case ChannelOpen:
		return "open"
	case ChannelHalfClosedLocal:
		return "half-closed-local"
	case ChannelHalfClosedRemote:
		return "half-closed-remote"
	case ChannelClosed:
		return "closed"
	case ChannelRejected:
		return "rejected"
	}
	return "unknown"
}

// Channel is one forwarded local connection's logical stream over the
// session. The table owns it by identifier; the relay engine holds a
// reference and drives it only through its own methods.
type Channel struct {
	id     uint32
	dest   transport.Destination
	origin string
	opened time.Time

	send *Window
	recv *Window

	mu       sync.Mutex
	state    ChannelState
	stream   transport.Stream
	bytesIn  int64
	bytesOut int64
}

func newChannel(dest transport.Destination, origin string, window int64, opened time.Time) *Channel {
	return &Channel{
		dest:   dest,
		origin: origin,
		opened: opened,
		send:   NewWindow(window),
		recv:   NewWindow(window),
		state:  ChannelRequesting,
	}
}

func (c *Channel) ID() uint32          { return c.id }
func (c *Channel) Origin() string      { return c.origin }
func (c *Channel) SendWindow() *Window { return c.send }
func (c *Channel) RecvWindow() *Window { return c.recv }
func (c *Channel) Age() time.Duration  { return time.Since(c.opened) }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Stream() transport.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Channel) AddBytesIn(n int64) {
	c.mu.Lock()
	c.bytesIn += n
	c.mu.Unlock()
}

func (c *Channel) AddBytesOut(n int64) {
	c.mu.Lock()
	c.bytesOut += n
	c.mu.Unlock()
}

func (c *Channel) BytesIn() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn
}

func (c *Channel) BytesOut() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesOut
}

// setOpen binds the accepted stream. It reports false when the channel was
// already invalidated by a session failure racing the open.
func (c *Channel) setOpen(s transport.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelRequesting {
		return false
	}
	c.state = ChannelOpen
	c.stream = s
	return true
}

// reject marks a channel whose open the peer declined or that timed out.
func (c *Channel) reject(err error) {
	c.mu.Lock()
	if c.state == ChannelRequesting {
		c.state = ChannelRejected
	}
	c.mu.Unlock()
	c.send.Fail(err)
	c.recv.Fail(err)
}

// HalfCloseLocal records EOF from the local side and reports whether both
// sides are now closed.
func (c *Channel) HalfCloseLocal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ChannelOpen:
		c.state = ChannelHalfClosedLocal
	case ChannelHalfClosedRemote:
		c.state = ChannelClosed
	}
	return c.state == ChannelClosed
}

// HalfCloseRemote records EOF from the remote side and reports whether
// both sides are now closed.
func (c *Channel) HalfCloseRemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ChannelOpen:
		c.state = ChannelHalfClosedRemote
	case ChannelHalfClosedLocal:
		c.state = ChannelClosed
	}
	return c.state == ChannelClosed
}

// Fail hard-closes the channel: windows poisoned, stream closed, state
// Closed. Idempotent; the relay's error path and the session's failure
// cascade both land here.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	if c.state == ChannelClosed || c.state == ChannelRejected {
		c.mu.Unlock()
		return
	}
	c.state = ChannelClosed
	st := c.stream
	c.mu.Unlock()
	c.send.Fail(err)
	c.recv.Fail(err)
	if st != nil {
		_ = st.Close()
	}
}

// shutdown half-closes then hard-closes the channel during graceful
// session close.
func (c *Channel) shutdown() {
	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	if st != nil {
		_ = st.CloseWrite()
	}
	c.Fail(ErrSessionClosed)
}

// ChannelInfo is a point-in-time view of one channel for status surfaces.
type ChannelInfo struct {
	ID       uint32  `json:"id"`
	State    string  `json:"state"`
	Origin   string  `json:"origin"`
	AgeSec   float64 `json:"age_seconds"`
	BytesIn  int64   `json:"bytes_in"`
	BytesOut int64   `json:"bytes_out"`
}

func (c *Channel) info() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		ID:       c.id,
		State:    c.state.String(),
		Origin:   c.origin,
		AgeSec:   time.Since(c.opened).Seconds(),
		BytesIn:  c.bytesIn,
		BytesOut: c.bytesOut,
	}
}
