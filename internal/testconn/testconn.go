// Package testconn provides an in-memory MessageConn pair for tests: whole
// messages written on one side arrive on the other, with close semantics
// matching a WebSocket (peer close reads as EOF).
package testconn

import (
	"context"
	"io"
	"net"
	"sync"
)

type message struct {
	data   []byte
	binary bool
}

// Conn is one side of an in-memory pair.
type Conn struct {
	recv chan message
	send chan message

	mu      sync.Mutex
	onWrite func(data []byte, binary bool)

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed chan struct{}
}

// Pair returns two connected ends.
func Pair() (*Conn, *Conn) {
	ab := make(chan message, 64)
	ba := make(chan message, 64)
	ac := make(chan struct{})
	bc := make(chan struct{})
	a := &Conn{recv: ba, send: ab, closed: ac, peerClosed: bc}
	b := &Conn{recv: ab, send: ba, closed: bc, peerClosed: ac}
	return a, b
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	// Drain buffered messages before honoring a peer close.
	select {
	case m := <-c.recv:
		return m.data, nil
	default:
	}
	select {
	case m := <-c.recv:
		return m.data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-c.peerClosed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetOnWrite installs a tap observing every outbound message. Tests use it
// to assert what actually hits the wire (e.g. ciphertext).
func (c *Conn) SetOnWrite(fn func(data []byte, binary bool)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte, binary bool) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	tap := c.onWrite
	c.mu.Unlock()
	if tap != nil {
		tap(buf, binary)
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.peerClosed:
		return io.ErrClosedPipe
	case c.send <- message{data: buf, binary: binary}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
