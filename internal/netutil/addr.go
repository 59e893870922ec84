package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EnsureDefaultPort returns addr with the default port appended when addr
// carries none. Bare IPv6 addresses are bracketed as needed.
func EnsureDefaultPort(addr, port string) string {
	if addr == "" {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	return net.JoinHostPort(host, port)
}

// ValidateBind checks that addr is a usable host:port listen address.
// An empty host (":8080") binds all interfaces and is allowed.
func ValidateBind(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid bind address %q: %w", addr, err)
	}
	return ValidatePort(port)
}

// ValidatePort checks that port is numeric and within range.
func ValidatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

// HostOnly strips the port from a host:port address, returning the input
// unchanged when no port is present.
func HostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
