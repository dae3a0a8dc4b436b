// Package remotetest provides an in-process SSH server and an in-memory
// remote.Conn for tests of packages built on internal/remote.
package remotetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/webssh/internal/remote"
)

const (
	// User and Password are the only credentials the test server accepts.
	User     = "tester"
	Password = "secret"

	// Prompt is written by every shell as soon as it starts.
	Prompt = "$ "
)

// Server is an SSH server with PTY shells that write Prompt and then echo
// every input chunk back prefixed with "echo:". Input "exit\n" ends the
// shell from the remote side.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu     sync.Mutex
	conns  []*ssh.ServerConn
	shells int
	opened int
}

// NewServer starts a Server on a loopback port and stops it on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{listener: listener, config: cfg}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Credentials returns credentials that authenticate against the server.
func (s *Server) Credentials() remote.Credentials {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return remote.Credentials{
		Host:     host,
		Port:     port,
		Username: User,
		Password: Password,
	}
}

// OpenShells returns the number of shells currently running.
func (s *Server) OpenShells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

// ShellsStarted returns the number of shells ever started.
func (s *Server) ShellsStarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// DropConnections closes every accepted connection, as if the host went away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
}

func (s *Server) serve() {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(netConn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.runShell(ch)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runShell(ch ssh.Channel) {
	s.mu.Lock()
	s.shells++
	s.opened++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.shells--
		s.mu.Unlock()
		ch.Close()
	}()

	ch.Write([]byte(Prompt))
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if string(buf[:n]) == "exit\n" {
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			}
			ch.Write(append([]byte("echo:"), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}
