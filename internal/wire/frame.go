// Package wire defines the JSON envelopes exchanged over the gateway's
// WebSocket transports and the frame codec that carries them.
//
// A frame is either a text message holding UTF-8 JSON or a binary message
// holding gzip-compressed JSON. Receivers detect which one was sent from the
// gzip magic bytes, so either peer may compress independently.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/gzip"
)

// DefaultMaxMessageSize bounds both the raw frame and its decompressed JSON.
const DefaultMaxMessageSize = 1 << 20

// ErrMalformed marks input that is not a valid envelope. Such messages are
// dropped without affecting any session.
var ErrMalformed = errors.New("malformed message")

// ErrNotEnvelope marks a JSON object carrying neither a tag nor a request,
// such as a repeated credentials object. It also matches ErrMalformed.
var ErrNotEnvelope = fmt.Errorf("%w: not a request envelope", ErrMalformed)

// ErrTooLarge is returned when a decompressed frame exceeds the size limit.
var ErrTooLarge = errors.New("message too large")

var gzipMagic = []byte{0x1f, 0x8b}

// IsCompressed reports whether data starts with the gzip magic bytes.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// DecodeFrame returns the JSON payload of a frame, decompressing it when it
// is gzip data. The decompressed payload may not exceed limit bytes.
func DecodeFrame(data []byte, limit int64) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", ErrMalformed, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip body: %v", ErrMalformed, err)
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// EncodeFrame marshals v and picks the frame type. Payloads of at least
// threshold bytes are gzip-compressed into a binary frame; threshold <= 0
// never compresses.
func EncodeFrame(v any, threshold int) (websocket.MessageType, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal frame: %w", err)
	}
	if threshold <= 0 || len(payload) < threshold {
		return websocket.MessageText, payload, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return 0, nil, fmt.Errorf("compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, nil, fmt.Errorf("compress frame: %w", err)
	}
	return websocket.MessageBinary, buf.Bytes(), nil
}

// Conn is a WebSocket carrying wire frames. Writes are serialized; reads
// must come from a single goroutine.
type Conn struct {
	ws        *websocket.Conn
	threshold int
	limit     int64

	writeMu sync.Mutex
}

// NewConn wraps ws. Frames larger than limit are rejected on read; outbound
// payloads of at least threshold bytes are compressed.
func NewConn(ws *websocket.Conn, limit int64, threshold int) *Conn {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	ws.SetReadLimit(limit)
	return &Conn{ws: ws, threshold: threshold, limit: limit}
}

// Read returns the JSON payload of the next frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(data, c.limit)
}

// Write sends v as one frame.
func (c *Conn) Write(ctx context.Context, v any) error {
	typ, data, err := EncodeFrame(v, c.threshold)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, typ, data)
}

// Close performs the WebSocket close handshake.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// CloseNow closes the underlying connection without a handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
