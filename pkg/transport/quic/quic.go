// Package quic carries peers over a QUIC connection. Messages travel on
// the first bidirectional stream, opened by the dialing side.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/quic-go/quic-go"
)

const streamAcceptTimeout = 5 * time.Second

var ErrTransportNotInitialized = errors.New("quic transport has not been initialized")

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

type Transport struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config
	listener *quic.Listener
}

func NewTransport(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Transport {
	return &Transport{
		address: addr,
		tlsCfg:  tlsCfg,
		quicCfg: quicCfg,
	}
}

func (t *Transport) Listen() error {
	l, err := quic.ListenAddr(t.address, t.tlsCfg, t.quicCfg)
	if err != nil {
		return err
	}
	t.listener = l
	return nil
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	if t.listener == nil {
		return nil, ErrTransportNotInitialized
	}

	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, transport.ErrTransportClosed
			}
			return nil, err
		}

		sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The remote never opened its stream
			conn.CloseWithError(quic.ApplicationErrorCode(transport.CloseProtocolError), "no stream")
			continue
		}

		return newPeer(conn, stream), nil
	}
}

func (t *Transport) Close() error {
	if t.listener == nil {
		return ErrTransportNotInitialized
	}
	return t.listener.Close()
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return emptyAddr{}
	}
	return t.listener.Addr()
}

// Dial connects to a Transport and opens the message stream.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, quicCfg *quic.Config) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, quicCfg)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}

	p := newPeer(conn, stream)
	if err := p.framed.WritePreamble(); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return p, nil
}

type Peer struct {
	conn   *quic.Conn
	stream *quic.Stream
	framed *transport.FramedStream

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(conn *quic.Conn, stream *quic.Stream) *Peer {
	return &Peer{
		conn:   conn,
		stream: stream,
		framed: transport.NewFramedStream(stream),
		closed: make(chan struct{}),
	}
}

func (p *Peer) ReadMessage() ([]byte, error) {
	b, err := p.framed.ReadFrame()
	if err != nil {
		return nil, convertError(err)
	}
	return b, nil
}

func (p *Peer) WriteMessage(b []byte) error {
	select {
	case <-p.closed:
		return transport.ErrPeerClosed
	default:
	}
	return p.framed.WriteFrame(b)
}

// Close ends the connection with code as application error code.
func (p *Peer) Close(code transport.CloseCode, reason string) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	})
	return err
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

func convertError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return &transport.CloseError{
			Code:   transport.CloseCode(appErr.ErrorCode),
			Reason: appErr.ErrorMessage,
		}
	}
	return err
}
