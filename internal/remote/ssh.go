package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// DefaultConnectTimeout bounds dial plus SSH handshake.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultKeepaliveInterval is how often a keepalive request is sent.
	DefaultKeepaliveInterval = 30 * time.Second

	defaultCols = 80
	defaultRows = 24
)

// SSHOptions configures an SSHConnector.
type SSHOptions struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// KnownHostsPath enables host key verification against an OpenSSH
	// known_hosts file. Empty accepts any host key.
	KnownHostsPath string
	// OnStateChange, when set, is called on every state a connection
	// enters, starting with StateConnecting before the dial.
	OnStateChange StateFunc
}

// StateFunc observes connection state transitions.
type StateFunc func(addr string, state State)

// SSHConnector connects to hosts over SSH.
type SSHConnector struct {
	timeout   time.Duration
	keepalive time.Duration
	hostKey   ssh.HostKeyCallback
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	onState   StateFunc
}

// NewSSHConnector creates an SSHConnector. It fails only when a known_hosts
// file is configured and cannot be loaded.
func NewSSHConnector(opts SSHOptions) (*SSHConnector, error) {
	c := &SSHConnector{
		timeout:   opts.ConnectTimeout,
		keepalive: opts.KeepaliveInterval,
		hostKey:   ssh.InsecureIgnoreHostKey(),
		onState:   opts.OnStateChange,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultConnectTimeout
	}
	if c.keepalive <= 0 {
		c.keepalive = DefaultKeepaliveInterval
	}
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsPath, err)
		}
		c.hostKey = cb
	}
	dialer := &net.Dialer{Timeout: c.timeout}
	c.dial = dialer.DialContext
	return c, nil
}

// Connect dials the host and authenticates with the given credentials.
func (c *SSHConnector) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, &ConnectError{Stage: StageValidate, Err: err}
	}
	auth, err := authMethods(creds)
	if err != nil {
		return nil, &ConnectError{Stage: StageValidate, Err: err}
	}

	addr := creds.Address()
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.timeout,
	}

	c.notify(addr, StateConnecting)
	netConn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.notify(addr, StateClosedWithError)
		return nil, &ConnectError{Stage: StageDial, Addr: addr, Err: err}
	}

	// NewClientConn has no context of its own; bound the handshake with a
	// deadline and tear the socket down if ctx is cancelled meanwhile.
	netConn.SetDeadline(time.Now().Add(c.timeout))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		c.notify(addr, StateClosedWithError)
		return nil, &ConnectError{Stage: StageHandshake, Addr: addr, Err: err}
	}
	netConn.SetDeadline(time.Time{})

	conn := &sshConn{
		client:  ssh.NewClient(clientConn, chans, reqs),
		addr:    addr,
		cols:    creds.Cols,
		rows:    creds.Rows,
		state:   StateReady,
		done:    make(chan struct{}),
		onState: c.onState,
	}
	if conn.cols <= 0 {
		conn.cols = defaultCols
	}
	if conn.rows <= 0 {
		conn.rows = defaultRows
	}

	c.notify(addr, StateReady)
	keepCtx, keepCancel := context.WithCancel(context.Background())
	conn.stopKeepalive = keepCancel
	go conn.wait()
	go conn.keepaliveLoop(keepCtx, c.keepalive)

	log.Printf("[remote] connected to %s as %s", addr, creds.Username)
	return conn, nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// sshConn is a Conn backed by an *ssh.Client.
type sshConn struct {
	client     *ssh.Client
	addr       string
	cols, rows int

	// openMu serializes channel opens on the connection.
	openMu sync.Mutex

	mu            sync.Mutex
	state         State
	err           error
	closeOnce     sync.Once
	done          chan struct{}
	stopKeepalive context.CancelFunc
	onState       StateFunc
}

func (c *SSHConnector) notify(addr string, state State) {
	if c.onState != nil {
		c.onState(addr, state)
	}
}

func (c *sshConn) OpenShell(ctx context.Context) (Channel, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.State() != StateReady {
		return nil, errors.New("connection is closed")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", c.rows, c.cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *sshConn) Done() <-chan struct{} { return c.done }

func (c *sshConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sshConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close ends the connection deliberately.
func (c *sshConn) Close() error {
	var err error
	c.finish(nil, func() { err = c.client.Close() })
	return err
}

// finish transitions to a terminal state exactly once.
func (c *sshConn) finish(cause error, closeFn func()) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause != nil {
			c.state = StateClosedWithError
			c.err = cause
		} else {
			c.state = StateClosed
		}
		state := c.state
		c.mu.Unlock()
		if c.onState != nil {
			c.onState(c.addr, state)
		}

		c.stopKeepalive()
		if closeFn != nil {
			closeFn()
		}
		close(c.done)
		if cause != nil {
			log.Printf("[remote] connection to %s ended: %v", c.addr, cause)
		} else {
			log.Printf("[remote] connection to %s closed", c.addr)
		}
	})
}

// wait blocks until the underlying connection ends.
func (c *sshConn) wait() {
	err := c.client.Wait()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = errors.New("connection closed by remote host")
	}
	c.finish(err, nil)
}

// keepaliveLoop detects dead connections that the TCP stack has not noticed.
func (c *sshConn) keepaliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.finish(fmt.Errorf("keepalive failed: %w", err), func() { c.client.Close() })
				return
			}
		}
	}
}

// sshChannel is a Channel backed by an interactive *ssh.Session.
type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
}

func (ch *sshChannel) Read(p []byte) (int, error)  { return ch.stdout.Read(p) }
func (ch *sshChannel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }

// Close sends EOF on stdin and closes the channel. Output already in flight
// is still readable until Read returns io.EOF.
func (ch *sshChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.stdin.Close()
		err = ch.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
