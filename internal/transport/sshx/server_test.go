package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "fwd"
	testPassword = "sesame"
)

// testServer is a minimal in-process SSH server: it authenticates the
// test credentials, answers keepalives, and serves direct-tcpip channels
// through a pluggable handler.
type testServer struct {
	ln      net.Listener
	cfg     *ssh.ServerConfig
	keyFile string // authorized private key, PEM

	mu          sync.Mutex
	answerPings bool
	rejectOpens string
	openDelay   time.Duration
	handler     func(ch ssh.Channel)
	opens       []directTCPIPMsg
	lastConn    *ssh.ServerConn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	keyFile, authorized := writeUserKey(t, t.TempDir())
	s := &testServer{
		keyFile:     keyFile,
		answerPings: true,
	}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(key.Marshal(), authorized.Marshal()) == 1 {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", meta.User())
		},
	}
	s.cfg.AddHostKey(genSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) addr() string {
	return s.ln.Addr().String()
}

func (s *testServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(c)
	}
}

func (s *testServer) handleConn(c net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(c, s.cfg)
	if err != nil {
		c.Close()
		return
	}
	s.mu.Lock()
	s.lastConn = conn
	s.mu.Unlock()

	go s.handleRequests(reqs)
	for nc := range chans {
		s.handleChannel(nc)
	}
}

func (s *testServer) handleRequests(reqs <-chan *ssh.Request) {
	for r := range reqs {
		if !r.WantReply {
			continue
		}
		if r.Type == "keepalive@openssh.com" {
			s.mu.Lock()
			answer := s.answerPings
			s.mu.Unlock()
			// Withholding the reply leaves the client hanging, which is
			// exactly what the ping timeout tests need.
			if answer {
				r.Reply(true, nil)
			}
			continue
		}
		r.Reply(false, nil)
	}
}

func (s *testServer) handleChannel(nc ssh.NewChannel) {
	if nc.ChannelType() != "direct-tcpip" {
		nc.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type %q", nc.ChannelType()))
		return
	}
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(nc.ExtraData(), &msg); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}

	s.mu.Lock()
	delay := s.openDelay
	reason := s.rejectOpens
	handler := s.handler
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if reason != "" {
		nc.Reject(ssh.Prohibited, reason)
		return
	}
	ch, creqs, err := nc.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(creqs)

	s.mu.Lock()
	s.opens = append(s.opens, msg)
	s.mu.Unlock()

	if handler == nil {
		ch.Close()
		return
	}
	go handler(ch)
}

func (s *testServer) setHandler(h func(ch ssh.Channel)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *testServer) setAnswerPings(v bool) {
	s.mu.Lock()
	s.answerPings = v
	s.mu.Unlock()
}

func (s *testServer) setRejectOpens(reason string) {
	s.mu.Lock()
	s.rejectOpens = reason
	s.mu.Unlock()
}

func (s *testServer) setOpenDelay(d time.Duration) {
	s.mu.Lock()
	s.openDelay = d
	s.mu.Unlock()
}

func (s *testServer) allOpens() []directTCPIPMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directTCPIPMsg(nil), s.opens...)
}

// serverConn waits for the server side of the most recent handshake.
func (s *testServer) serverConn(t *testing.T) *ssh.ServerConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		c := s.lastConn
		s.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no server-side connection established")
	return nil
}

func genSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

// writeUserKey drops a fresh RSA private key under dir and returns its
// path along with the matching public key.
func writeUserKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return path, signer.PublicKey()
}
