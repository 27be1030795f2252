// Package ws adapts WebSocket transports to the whole-message contract the
// session layer consumes: plaintext frames travel as text messages, ciphertext
// as binary messages.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla client connection.
type Conn struct {
	c *websocket.Conn
}

type DialOptions struct {
	Subprotocols []string
	Header       http.Header
}

// Dial connects to a console server. The handshake deadline follows the
// context deadline.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{Subprotocols: opts.Subprotocols}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// Subprotocol returns the negotiated subprotocol.
func (c *Conn) Subprotocol() string {
	return c.c.Subprotocol()
}

// ReadMessage returns the payload of the next text or binary message.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	_, b, err := c.c.ReadMessage()
	if err == nil {
		return b, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// WriteMessage sends one whole message; binary selects the binary opcode.
func (c *Conn) WriteMessage(ctx context.Context, data []byte, binary bool) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	err := c.c.WriteMessage(mt, data)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ctx.Err()
		}
	}
	return err
}

func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
