package remotetest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gluk-w/webssh/internal/remote"
)

// Connector is a remote.Connector returning a preconfigured Conn or error.
type Connector struct {
	Conn *Conn
	Err  error

	mu    sync.Mutex
	calls []remote.Credentials
}

func (c *Connector) Connect(ctx context.Context, creds remote.Credentials) (remote.Conn, error) {
	c.mu.Lock()
	c.calls = append(c.calls, creds)
	c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Conn, nil
}

// Calls returns the credentials of every Connect call.
func (c *Connector) Calls() []remote.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Credentials(nil), c.calls...)
}

// Conn is an in-memory remote.Conn. Every successfully opened channel is also
// delivered on Opened so tests can drive its remote side.
type Conn struct {
	Opened chan *Channel

	mu       sync.Mutex
	openErr  error
	gate     chan struct{}
	state    remote.State
	err      error
	done     chan struct{}
	channels []*Channel
}

// NewConn returns a ready Conn.
func NewConn() *Conn {
	return &Conn{
		Opened: make(chan *Channel, 64),
		state:  remote.StateReady,
		done:   make(chan struct{}),
	}
}

// FailOpens makes subsequent OpenShell calls fail with err (nil restores).
func (c *Conn) FailOpens(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// HoldOpens makes subsequent OpenShell calls block until the returned
// function is called.
func (c *Conn) HoldOpens() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gate == gate {
				c.gate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

func (c *Conn) OpenShell(ctx context.Context) (remote.Channel, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != remote.StateReady {
		return nil, errors.New("connection is closed")
	}
	if c.openErr != nil {
		return nil, c.openErr
	}
	ch := newChannel()
	c.channels = append(c.channels, ch)
	c.Opened <- ch
	return ch, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) State() remote.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Close() error {
	c.finish(nil)
	return nil
}

// Fail ends the connection with err, as a dropped remote host would.
func (c *Conn) Fail(err error) {
	c.finish(err)
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.state != remote.StateReady {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = remote.StateClosedWithError
		c.err = err
	} else {
		c.state = remote.StateClosed
	}
	channels := c.channels
	close(c.done)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Hangup()
	}
}

// Channel is an in-memory remote.Channel.
type Channel struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	// Input receives every chunk written by the local side.
	Input chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel() *Channel {
	r, w := io.Pipe()
	return &Channel{
		outR:   r,
		outW:   w,
		Input:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (ch *Channel) Read(p []byte) (int, error) { return ch.outR.Read(p) }

func (ch *Channel) Write(p []byte) (int, error) {
	select {
	case <-ch.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	ch.Input <- append([]byte(nil), p...)
	return len(p), nil
}

// Close marks the channel closed locally and lets the remote side
// acknowledge, which ends the output stream.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() { close(ch.closed) })
	ch.outW.Close()
	return nil
}

// Emit writes remote output. It blocks until the local side reads it.
func (ch *Channel) Emit(data string) error {
	_, err := ch.outW.Write([]byte(data))
	return err
}

// Hangup ends the channel from the remote side.
func (ch *Channel) Hangup() {
	ch.outW.Close()
}

// Closed reports whether the local side has called Close.
func (ch *Channel) Closed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}
