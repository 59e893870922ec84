package session

import "errors"

// ErrNotReady is returned by OpenChannel when no ready session is
// available.
var ErrNotReady = errors.New("session not ready")

// ErrSessionClosed marks channels torn down by a graceful session close.
var ErrSessionClosed = errors.New("session closed")

// FailureError is a session-level failure: keepalive timeout or the
// transport dying underneath. It cascades to every channel and drives
// reconnection; per-channel relay errors never become one.
type FailureError struct {
	Cause error
}

func (e *FailureError) Error() string { return "session failure: " + e.Cause.Error() }
func (e *FailureError) Unwrap() error { return e.Cause }
