// Package remote owns the single authenticated connection a shell transport
// drives, and opens interactive shell channels over it.
//
// The rest of the gateway only sees the Connector, Conn and Channel
// interfaces. SSHConnector is the production implementation on top of
// golang.org/x/crypto/ssh; SSH already multiplexes any number of channels over
// one TCP connection, so one Conn serves every shell of a transport.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// State is the lifecycle state of a remote connection.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateClosedWithError
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosedWithError:
		return "closed-with-error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultPort is used when the credentials carry no port.
const DefaultPort = 22

// Credentials is the handshake object a client sends to open the remote
// connection. Unknown JSON fields are ignored.
type Credentials struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`

	// Initial PTY size for shells opened on this connection.
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}

// Validate checks that the credentials name a host, a user and at least one
// way to authenticate.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Password == "" && c.PrivateKey == "" {
		return errors.New("password or private key is required")
	}
	return nil
}

// Address returns host:port, applying DefaultPort.
func (c Credentials) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Connector establishes remote connections.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one authenticated remote connection.
type Conn interface {
	// OpenShell starts an interactive shell on a new channel.
	OpenShell(ctx context.Context) (Channel, error)
	// Done is closed once the connection has ended for any reason.
	Done() <-chan struct{}
	// Err returns the error that ended the connection, or nil if it was
	// closed deliberately or is still open.
	Err() error
	State() State
	Close() error
}

// Channel is one shell channel. Read returns the remote output and io.EOF
// once the remote side has ended the channel, which is the channel's close
// notification. Close asks the remote side to end it.
type Channel interface {
	io.Reader
	io.Writer
	Close() error
}

// Connect stages reported by ConnectError.
const (
	StageValidate  = "validate"
	StageDial      = "dial"
	StageHandshake = "handshake"
)

// ConnectError describes why Connect failed.
type ConnectError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
