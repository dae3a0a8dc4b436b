// Package correlator is the client side of the shell protocol. It pairs
// every tagged request with the response carrying the same tag and exposes
// push events as a channel.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/coder/websocket"

	"github.com/gluk-w/webssh/internal/remote"
	"github.com/gluk-w/webssh/internal/wire"
)

// ErrNoToken is returned when the handshake reply carries neither a token
// nor an error.
var ErrNoToken = errors.New("handshake reply without token")

// RemoteError is an {error} message from the server, either as the
// handshake reply or as a response payload.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Response is the payload of a tagged response. At most one field is set; a
// bare acknowledgement leaves all of them nil.
type Response struct {
	Open  *string `json:"open,omitempty"`
	Token *string `json:"token,omitempty"`
	Error *string `json:"error,omitempty"`
}

// Err returns the response's error payload as a *RemoteError.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &RemoteError{Message: *r.Error}
}

// Options tune Dial.
type Options struct {
	// CompressThreshold gzips outgoing frames of at least this many bytes.
	CompressThreshold int
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Client is one shell transport seen from the browser's side.
type Client struct {
	conn  *wire.Conn
	token string

	mu      sync.Mutex
	nextTag uint64
	pending map[uint64]chan Response

	events chan wire.Event
	done   chan struct{}
	err    error
}

// Dial connects to url, sends creds and waits for the handshake reply.
func Dial(ctx context.Context, url string, creds remote.Credentials, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn := wire.NewConn(ws, 0, opts.CompressThreshold)

	if err := conn.Write(ctx, creds); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("send credentials: %w", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	in, err := wire.ParseInbound(data)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	switch {
	case in.Error != nil:
		conn.CloseNow()
		return nil, &RemoteError{Message: *in.Error}
	case in.Token == nil:
		conn.CloseNow()
		return nil, ErrNoToken
	}

	c := &Client{
		conn:    conn,
		token:   *in.Token,
		pending: make(map[uint64]chan Response),
		events:  make(chan wire.Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Token returns the token issued by the handshake.
func (c *Client) Token() string { return c.token }

// Events delivers push events in arrival order. It is closed when the
// transport ends. Callers must keep draining it or responses stall behind
// undelivered events.
func (c *Client) Events() <-chan wire.Event { return c.events }

// Done is closed when the transport ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the transport ended: a *RemoteError for a terminal
// {error} message, otherwise the read error. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Send issues req under the next tag and waits for its response. Tags start
// at 0 and are never reused. If the transport closes first the request is
// left pending and Send returns only when ctx ends.
func (c *Client) Send(ctx context.Context, req wire.Request) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	tag := c.nextTag
	c.nextTag++
	c.pending[tag] = ch
	c.mu.Unlock()

	data, err := wire.MarshalRequest(tag, req)
	if err == nil {
		err = c.conn.Write(ctx, json.RawMessage(data))
	}
	if err != nil {
		c.forget(tag)
		return Response{}, fmt.Errorf("send request %d: %w", tag, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(tag)
		return Response{}, ctx.Err()
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close ends the transport with a normal closure.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) forget(tag uint64) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	ctx := context.Background()
	for {
		data, err := c.conn.Read(ctx)
		if err != nil {
			if c.err == nil {
				c.err = err
			}
			return
		}
		in, err := wire.ParseInbound(data)
		if err != nil {
			log.Printf("[correlator] %v", err)
			continue
		}
		switch {
		case in.Tag != nil:
			c.resolve(*in.Tag, in.Response)
		case in.Event != nil:
			c.events <- *in.Event
		case in.Error != nil:
			c.err = &RemoteError{Message: *in.Error}
		}
	}
}

func (c *Client) resolve(tag uint64, raw json.RawMessage) {
	var resp Response
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Printf("[correlator] response %d: %v", tag, err)
		}
	}
	c.mu.Lock()
	ch, ok := c.pending[tag]
	delete(c.pending, tag)
	c.mu.Unlock()
	if !ok {
		log.Printf("[correlator] response for unknown tag %d", tag)
		return
	}
	ch <- resp
}
