package sshx

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"

	"github.com/matst80/sshfwd/internal/netutil"
	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/transport"
)

// passwordAttempts is how often a password may be retyped before the
// method gives up.
const passwordAttempts = 3

// authMethods builds the credential chain: ssh-agent when one is around,
// then the configured key file, then an interactive password.
func (d *Dialer) authMethods(ep transport.Endpoint) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if a, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else {
			obs.Warn("ssh.agent.unavailable", obs.Fields{"socket": sock, "err": err.Error()})
		}
	}

	if d.KeyFile != "" {
		if s, err := readPrivateKey(d.KeyFile); err == nil {
			methods = append(methods, ssh.PublicKeys(s))
		} else {
			obs.Warn("ssh.key.unreadable", obs.Fields{"path": d.KeyFile, "err": err.Error()})
		}
	}

	if d.PasswordPrompt != nil {
		host := netutil.HostOnly(ep.Address)
		methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			return d.PasswordPrompt(ep.User, host)
		}), passwordAttempts))
	}
	return methods
}

func readPrivateKey(path string) (ssh.Signer, error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(k)
}

// TerminalPrompt asks for a password on the controlling terminal without
// echoing it.
func TerminalPrompt(user, host string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", user, host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
