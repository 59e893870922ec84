package transport

import "fmt"

// ConnectError is a network-level dial or handshake failure: unreachable,
// reset, timed out. Retryable.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError means the peer rejected every offered credential.
type AuthError struct {
	Endpoint string
	User     string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// OpenError is a failed stream open: either the peer declined (Reason is
// its explanation) or no reply arrived in time (Timeout).
type OpenError struct {
	Dest    Destination
	Reason  string
	Timeout bool
	Err     error
}

func (e *OpenError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("open %s: timed out", e.Dest)
	}
	return fmt.Sprintf("open %s: rejected: %s", e.Dest, e.Reason)
}

func (e *OpenError) Unwrap() error { return e.Err }
