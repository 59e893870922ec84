// Package relay moves bytes between one accepted local connection and its
// channel stream, one goroutine per direction. Each direction reads only
// after claiming window budget, so the bytes held in flight never exceed
// the channel's window and a stalled side throttles its sender instead of
// growing a queue.
package relay

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/session"
)

const chunk = 32 * 1024

// Registry is where a finished channel is detached from. *session.Session
// satisfies it.
type Registry interface {
	Detach(id uint32)
}

// Run relays until both directions are done, then closes both ends and
// detaches the channel. A clean EOF on one side half-closes and lets the
// other side drain; an I/O error tears the channel down without touching
// the rest of the session.
func Run(local net.Conn, ch *session.Channel, reg Registry) {
	stream := ch.Stream()
	start := time.Now()

	var (
		once    sync.Once
		failErr error
	)
	fail := func(err error) {
		once.Do(func() {
			failErr = err
			ch.Fail(err)
			_ = local.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := pump(stream, local, ch.SendWindow())
		ch.AddBytesOut(n)
		obs.BytesRelayedTotal.WithLabelValues("out").Add(float64(n))
		if err != nil {
			fail(err)
			return
		}
		_ = stream.CloseWrite()
		ch.HalfCloseLocal()
	}()
	go func() {
		defer wg.Done()
		n, err := pump(local, stream, ch.RecvWindow())
		ch.AddBytesIn(n)
		obs.BytesRelayedTotal.WithLabelValues("in").Add(float64(n))
		if err != nil {
			fail(err)
			return
		}
		halfCloseWrite(local)
		ch.HalfCloseRemote()
	}()
	wg.Wait()

	_ = stream.Close()
	_ = local.Close()
	reg.Detach(ch.ID())
	obs.ChannelDurationSeconds.Observe(time.Since(start).Seconds())

	f := obs.Fields{
		"id":          ch.ID(),
		"origin":      ch.Origin(),
		"bytes_in":    ch.BytesIn(),
		"bytes_out":   ch.BytesOut(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if failErr != nil {
		f["err"] = failErr.Error()
		obs.Error("relay.error", f)
		return
	}
	obs.Warn("relay.closed", f)
}

// pump copies src to dst under the window's budget: claim, read, write,
// then give the budget back. Claims held across a blocked write are what
// keeps the in-flight volume bounded.
func pump(dst io.Writer, src io.Reader, win *session.Window) (int64, error) {
	buf := make([]byte, chunk)
	var copied int64
	for {
		n, err := win.Acquire(int64(len(buf)))
		if err != nil {
			return copied, err
		}
		rn, rerr := src.Read(buf[:n])
		if int64(rn) < n {
			win.Release(n - int64(rn))
		}
		if rn > 0 {
			wn, werr := dst.Write(buf[:rn])
			if wn > 0 {
				win.Release(int64(wn))
				copied += int64(wn)
			}
			if werr != nil {
				return copied, werr
			}
			if wn < rn {
				return copied, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return copied, nil
			}
			return copied, rerr
		}
	}
}

func halfCloseWrite(c net.Conn) {
	if hc, ok := c.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
}
