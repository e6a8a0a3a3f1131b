// Package memory provides an in-process transport. Peers are connected
// pipes; it backs tests and bots running next to the server.
package memory

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/QYUbit/roomsync/pkg/transport"
)

const queueSize = 256

type Addr string

func (a Addr) Network() string { return "memory" }
func (a Addr) String() string  { return string(a) }

var pipeSeq atomic.Uint64

// Transport hands out the server side of every pipe created by Dial.
type Transport struct {
	addr    Addr
	pending chan *Peer

	done      chan struct{}
	closeOnce sync.Once
}

func NewTransport(name string) *Transport {
	return &Transport{
		addr:    Addr(name),
		pending: make(chan *Peer, queueSize),
		done:    make(chan struct{}),
	}
}

// Dial creates a pipe and returns its client end.
func (t *Transport) Dial(ctx context.Context) (*Peer, error) {
	select {
	case <-t.done:
		return nil, transport.ErrTransportClosed
	default:
	}

	client, server := Pipe(t.addr)
	select {
	case <-t.done:
		return nil, transport.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case t.pending <- server:
		return client, nil
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrTransportClosed
	case p := <-t.pending:
		return p, nil
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *Transport) Addr() net.Addr {
	return t.addr
}

// pipe is the state shared by both ends.
type pipe struct {
	once   sync.Once
	closed chan struct{}
	err    *transport.CloseError
}

// Peer is one end of a pipe.
type Peer struct {
	p      *pipe
	in     chan []byte
	out    chan []byte
	local  Addr
	remote Addr
}

// Pipe returns two connected peers.
func Pipe(server Addr) (*Peer, *Peer) {
	client := Addr("client-" + strconv.FormatUint(pipeSeq.Add(1), 10))
	p := &pipe{closed: make(chan struct{})}
	a := make(chan []byte, queueSize)
	b := make(chan []byte, queueSize)
	return &Peer{p: p, in: a, out: b, local: client, remote: server},
		&Peer{p: p, in: b, out: a, local: server, remote: client}
}

// ReadMessage drains queued messages before reporting the close.
func (c *Peer) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	default:
	}

	select {
	case m := <-c.in:
		return m, nil
	case <-c.p.closed:
		select {
		case m := <-c.in:
			return m, nil
		default:
		}
		return nil, c.p.err
	}
}

func (c *Peer) WriteMessage(b []byte) error {
	msg := make([]byte, len(b))
	copy(msg, b)

	select {
	case <-c.p.closed:
		return transport.ErrPeerClosed
	default:
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.p.closed:
		return transport.ErrPeerClosed
	}
}

// Close closes both ends; the remote observes code and reason.
func (c *Peer) Close(code transport.CloseCode, reason string) error {
	c.p.once.Do(func() {
		c.p.err = &transport.CloseError{Code: code, Reason: reason}
		close(c.p.closed)
	})
	return nil
}

func (c *Peer) LocalAddr() net.Addr  { return c.local }
func (c *Peer) RemoteAddr() net.Addr { return c.remote }
