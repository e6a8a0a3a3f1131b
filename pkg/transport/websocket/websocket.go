// Package websockets carries peers over gorilla/websocket. Every frame
// is one binary WebSocket message.
package websockets

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	maxReasonLen   = 123
)

type Options struct {
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin     func(r *http.Request) bool
	ReadBufferSize  int
	WriteBufferSize int
	// Backlog is the number of upgraded connections waiting for Accept.
	Backlog int
	// Addr is reported by Addr; the HTTP server owns the listener.
	Addr net.Addr
}

// Transport is an http.Handler that upgrades requests and hands the
// connections to Accept.
type Transport struct {
	upgrader    websocket.Upgrader
	connections chan *websocket.Conn
	addr        net.Addr

	done      chan struct{}
	closeOnce sync.Once
}

func NewTransport(opts Options) *Transport {
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	return &Transport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     opts.CheckOrigin,
		},
		connections: make(chan *websocket.Conn, opts.Backlog),
		addr:        opts.Addr,
		done:        make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-t.done:
		http.Error(w, transport.ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}

	select {
	case t.connections <- conn:
	case <-t.done:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrTransportClosed
	case conn := <-t.connections:
		return newPeer(conn), nil
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

// Dial connects to a Transport served at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Peer, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newPeer(conn), nil
}

// Peer implements transport.Peer. It answers pings and sends its own to
// detect dead connections.
type Peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn) *Peer {
	p := &Peer{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go p.pingLoop()
	return p
}

func (p *Peer) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (p *Peer) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &transport.CloseError{Code: transport.CloseCode(ce.Code), Reason: ce.Text}
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (p *Peer) WriteMessage(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return transport.ErrPeerClosed
	default:
	}

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a close frame carrying code, except for CloseAbnormal which
// only tears the connection down.
func (p *Peer) Close(code transport.CloseCode, reason string) error {
	var lastErr error

	p.closeOnce.Do(func() {
		close(p.done)

		if code != transport.CloseAbnormal {
			if len(reason) > maxReasonLen {
				reason = reason[:maxReasonLen]
			}
			err := p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(int(code), reason),
				time.Now().Add(time.Second),
			)
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				lastErr = err
			}
		}

		if err := p.conn.Close(); err != nil {
			lastErr = err
		}
	})

	return lastErr
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
