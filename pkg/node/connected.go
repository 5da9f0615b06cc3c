package node

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/relves/colog/pkg/protocol"
)

// TraceFunc observes a message crossing a connection.
type TraceFunc func(from, to string, msg protocol.Message)

type pipe struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe(buffer int) *pipe {
	return &pipe{ch: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (p *pipe) close() { p.once.Do(func() { close(p.closed) }) }

// memConn is one end of an in-process connection. Messages are encoded on
// send and decoded on receive so the two ends never share memory.
type memConn struct {
	self, other string
	in, out     *pipe
	trace       TraceFunc
}

// ConnectedPeers returns two connected in-memory connections. aID and bID
// name each end for tracing; trace may be nil.
func ConnectedPeers(aID, bID string, trace TraceFunc) (Conn, Conn) {
	ab := newPipe(1024)
	ba := newPipe(1024)
	return &memConn{self: aID, other: bID, in: ba, out: ab, trace: trace},
		&memConn{self: bID, other: aID, in: ab, out: ba, trace: trace}
}

func (c *memConn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Action(), err)
	}
	select {
	case <-c.out.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out.ch <- data:
		return nil
	case <-c.out.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case data := <-c.in.ch:
		msg, err := protocol.Decode(data)
		if err != nil {
			return nil, err
		}
		if c.trace != nil {
			c.trace(c.other, c.self, msg)
		}
		return msg, nil
	case <-c.in.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

// tracedConn reports every message sent and received on a connection.
type tracedConn struct {
	Conn
	self, other string
	trace       TraceFunc
}

// TraceConn wraps conn so trace sees each message in both directions. self
// and other name the two ends.
func TraceConn(conn Conn, self, other string, trace TraceFunc) Conn {
	return &tracedConn{Conn: conn, self: self, other: other, trace: trace}
}

func (c *tracedConn) Send(ctx context.Context, msg protocol.Message) error {
	c.trace(c.self, c.other, msg)
	return c.Conn.Send(ctx, msg)
}

func (c *tracedConn) Receive(ctx context.Context) (protocol.Message, error) {
	msg, err := c.Conn.Receive(ctx)
	if err == nil {
		c.trace(c.other, c.self, msg)
	}
	return msg, err
}
