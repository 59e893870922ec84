package forward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/sshfwd/internal/ratelimit"
	"github.com/matst80/sshfwd/internal/session"
	"github.com/matst80/sshfwd/internal/transport"
	"github.com/matst80/sshfwd/internal/transport/memlink"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// listen binds the usual test port, falling back to an ephemeral one when
// it is taken.
func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:9999")
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
	}
	return ln
}

func startSupervisor(t *testing.T, tr *memlink.Transport) *session.Supervisor {
	t.Helper()
	sv := session.NewSupervisor(tr,
		transport.Endpoint{Address: "peer.example:22", User: "fwd"},
		transport.Destination{Host: "localhost", Port: 8080},
		session.Options{},
		session.RetryPolicy{MaxAttempts: 3, Base: 10 * time.Millisecond, Max: 40 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go sv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		sv.Shutdown()
	})
	waitFor(t, func() bool { return sv.Current() != nil }, "session did not come up")
	return sv
}

func echoHandler(_ transport.Destination, s transport.Stream) {
	defer s.Close()
	io.Copy(s, s)
}

func TestForwardEndToEnd(t *testing.T) {
	tr := memlink.New()
	gotReq := make(chan string, 1)
	tr.Handle(func(_ transport.Destination, s transport.Stream) {
		defer s.Close()
		req, err := io.ReadAll(s)
		if err != nil {
			return
		}
		gotReq <- string(req)
		s.Write([]byte("OK\n"))
	})
	sv := startSupervisor(t, tr)

	ln := listen(t)
	fwd := New(ln, sv, nil, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- fwd.Serve(ctx) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("GET /\n")); err != nil {
		t.Fatal(err)
	}
	c.(*net.TCPConn).CloseWrite()
	reply, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "OK\n" {
		t.Errorf("reply = %q; want %q", reply, "OK\n")
	}
	select {
	case req := <-gotReq:
		if req != "GET /\n" {
			t.Errorf("destination saw %q; want %q", req, "GET /\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("destination never saw the request")
	}
	waitFor(t, func() bool { return sv.Current().ActiveChannels() == 0 }, "channel not removed after the connection closed")

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve = %v; want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestForwardSlowOpensDoNotBlockAccepts(t *testing.T) {
	tr := memlink.New()
	tr.Handle(echoHandler)
	tr.DelayOpens(300 * time.Millisecond)
	sv := startSupervisor(t, tr)

	ln := listen(t)
	fwd := New(ln, sv, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Serve(ctx)

	start := time.Now()
	conns := make([]net.Conn, 5)
	for i := range conns {
		c, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		conns[i] = c
	}
	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != "ping" {
			t.Errorf("echo = %q; want %q", buf, "ping")
		}
	}
	// Serialized opens would need five delay rounds; parallel ones share
	// the same round.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("five connections took %s; opens appear serialized behind the accept loop", elapsed)
	}
}

func TestForwardWithoutSessionDropsConnection(t *testing.T) {
	ln := listen(t)
	fwd := New(ln, noSession{}, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Serve(ctx)

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read = %v; want %v (connection dropped)", err, io.EOF)
	}
}

type noSession struct{}

func (noSession) Current() *session.Session { return nil }

func TestForwardRateLimitsAccepts(t *testing.T) {
	tr := memlink.New()
	tr.Handle(echoHandler)
	sv := startSupervisor(t, tr)

	ln := listen(t)
	fwd := New(ln, sv, ratelimit.New(0, 1, 1), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Serve(ctx)

	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	if _, err := c1.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c1, buf); err != nil {
		t.Fatal(err)
	}

	c2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c2.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read on limited connection = %v; want %v", err, io.EOF)
	}
}

func TestForwardShutdownDrainsActiveRelays(t *testing.T) {
	release := make(chan struct{})
	tr := memlink.New()
	tr.Handle(func(_ transport.Destination, s transport.Stream) {
		defer s.Close()
		b := make([]byte, 5)
		if _, err := io.ReadFull(s, b); err != nil {
			return
		}
		<-release
		s.Write([]byte("late\n"))
	})
	sv := startSupervisor(t, tr)

	ln := listen(t)
	fwd := New(ln, sv, nil, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- fwd.Serve(ctx) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sv.Current().ActiveChannels() == 1 }, "relay did not start")

	cancel()
	// New connections are refused once shutdown starts.
	waitFor(t, func() bool {
		probe, err := net.DialTimeout("tcp", ln.Addr().String(), 100*time.Millisecond)
		if err != nil {
			return true
		}
		probe.Close()
		return false
	}, "listener still accepting after cancel")

	// The in-flight relay still completes.
	close(release)
	reply, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "late\n" {
		t.Errorf("reply = %q; want %q", reply, "late\n")
	}
	c.Close()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve = %v; want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not drain")
	}
}
