package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/matst80/sshfwd/internal/transport"
	"github.com/matst80/sshfwd/internal/transport/memlink"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second, Max: 5 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, c := range cases {
		if got := p.delay(c.attempt); got != c.want {
			t.Errorf("delay(%d) = %s; want %s", c.attempt, got, c.want)
		}
	}
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	tr := memlink.New()
	tr.FailAuth(errors.New("permission denied"))
	fclk := fakeclock.NewFakeClock(time.Now())
	sv := NewSupervisor(tr, testEndpoint(), testDest(), Options{Clock: fclk},
		RetryPolicy{MaxAttempts: 3, Base: time.Second, Max: 4 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- sv.Run(context.Background()) }()

	waitFor(t, func() bool { return tr.Dials() == 1 }, "first dial did not happen")
	fclk.WaitForWatcherAndIncrement(time.Second)
	waitFor(t, func() bool { return tr.Dials() == 2 }, "second dial did not happen")
	fclk.WaitForWatcherAndIncrement(2 * time.Second)
	waitFor(t, func() bool { return tr.Dials() == 3 }, "third dial did not happen")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil; want a fatal connect error")
		}
		var ae *transport.AuthError
		if !errors.As(err, &ae) {
			t.Errorf("Run error = %v; want *transport.AuthError", err)
		}
		if !strings.Contains(err.Error(), "giving up after 3") {
			t.Errorf("Run error = %v; want the spent attempt count", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the retry budget was spent")
	}
	if got := tr.Dials(); got != 3 {
		t.Errorf("dials = %d; want exactly 3", got)
	}
}

func TestSupervisorReconnectsAndResetsBudget(t *testing.T) {
	tr := memlink.New()
	tr.Handle(echoHandler)
	sv := NewSupervisor(tr, testEndpoint(), testDest(), Options{},
		RetryPolicy{MaxAttempts: 3, Base: 10 * time.Millisecond, Max: 40 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- sv.Run(context.Background()) }()

	waitFor(t, func() bool { return sv.Current() != nil }, "no session published")
	first := sv.Current()
	tr.LastLink().Break(errors.New("connection reset"))
	waitFor(t, func() bool {
		s := sv.Current()
		return s != nil && s != first
	}, "no replacement session after the loss")
	if got := tr.Dials(); got != 2 {
		t.Errorf("dials after one reconnect = %d; want 2", got)
	}

	// A successful connect restores the full retry budget.
	tr.FailAuth(errors.New("permission denied"))
	tr.LastLink().Break(errors.New("connection reset"))
	select {
	case err := <-errCh:
		var ae *transport.AuthError
		if !errors.As(err, &ae) {
			t.Errorf("Run error = %v; want *transport.AuthError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the retry budget was spent")
	}
	if got := tr.Dials(); got != 5 {
		t.Errorf("dials = %d; want 5 (two successes, then three fresh attempts)", got)
	}
}

func TestSupervisorCancelLeavesSessionForDrain(t *testing.T) {
	tr := memlink.New()
	tr.Handle(echoHandler)
	sv := NewSupervisor(tr, testEndpoint(), testDest(), Options{},
		RetryPolicy{MaxAttempts: 3, Base: 10 * time.Millisecond, Max: 40 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sv.Run(ctx) }()

	waitFor(t, func() bool { return sv.Current() != nil }, "no session published")
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run after cancel = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	s := sv.Current()
	if s == nil {
		t.Fatal("cancel dropped the session before it could drain")
	}
	if got := s.State(); got != Ready {
		t.Errorf("session state after cancel = %s; want %s", got, Ready)
	}
	sv.Shutdown()
	if got := s.State(); got != Closed {
		t.Errorf("session state after Shutdown = %s; want %s", got, Closed)
	}
	if sv.Current() != nil {
		t.Error("Shutdown left a session published")
	}
}
