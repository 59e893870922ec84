package sshx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/matst80/sshfwd/internal/obs"
)

// HostKeyPolicy selects how the dialer verifies the peer's host key.
type HostKeyPolicy string

const (
	// PolicyTOFU accepts and records unknown hosts on first contact and
	// rejects any later key change.
	PolicyTOFU HostKeyPolicy = "tofu"
	// PolicyKnownHosts only accepts hosts already present in the
	// known_hosts file.
	PolicyKnownHosts HostKeyPolicy = "known-hosts"
	// PolicyInsecure skips host key verification entirely.
	PolicyInsecure HostKeyPolicy = "insecure"
)

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch d.HostKeyPolicy {
	case PolicyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case PolicyKnownHosts:
		return knownhosts.New(d.knownHostsPath())
	case PolicyTOFU, "":
		return d.tofuCallback()
	default:
		return nil, fmt.Errorf("unknown host key policy %q", d.HostKeyPolicy)
	}
}

func (d *Dialer) knownHostsPath() string {
	if d.KnownHostsFile != "" {
		return d.KnownHostsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// tofuCallback wraps the known_hosts check so that a host with no
// recorded key gets appended instead of rejected. A mismatch against a
// recorded key still fails.
func (d *Dialer) tofuCallback() (ssh.HostKeyCallback, error) {
	path := d.knownHostsPath()
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) == 0 {
			if err := appendKnownHost(path, hostname, key); err != nil {
				return err
			}
			obs.Info("ssh.hostkey.learned", obs.Fields{
				"host":        hostname,
				"fingerprint": ssh.FingerprintSHA256(key),
			})
			return nil
		}
		return err
	}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}
