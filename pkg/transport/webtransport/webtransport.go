// Package webtransport carries peers over WebTransport sessions. Like the
// quic package, messages travel on the first bidirectional stream.
package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

const streamAcceptTimeout = 5 * time.Second

// Transport upgrades HTTP/3 requests to WebTransport sessions. Mount it
// on the handler of the embedded http3 server.
type Transport struct {
	server   *webtransport.Server
	sessions chan *webtransport.Session

	done      chan struct{}
	closeOnce sync.Once
}

func NewTransport(addr string, tlsCfg *tls.Config) *Transport {
	return Wrap(&webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsCfg,
		},
		CheckOrigin: func(*http.Request) bool { return true },
	})
}

// Wrap uses an existing server. Its handler is left untouched.
func Wrap(server *webtransport.Server) *Transport {
	return &Transport{
		server:   server,
		sessions: make(chan *webtransport.Session, 64),
		done:     make(chan struct{}),
	}
}

// Server exposes the underlying server, e.g. to call ListenAndServe.
func (t *Transport) Server() *webtransport.Server {
	return t.server
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-t.done:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	default:
	}

	session, err := t.server.Upgrade(w, r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	select {
	case t.sessions <- session:
	case <-t.done:
		session.CloseWithError(webtransport.SessionErrorCode(transport.CloseGoingAway), "shutting down")
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	for {
		var session *webtransport.Session
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, transport.ErrTransportClosed
		case session = <-t.sessions:
		}

		sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
		stream, err := session.AcceptStream(sctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			session.CloseWithError(webtransport.SessionErrorCode(transport.CloseProtocolError), "no stream")
			continue
		}

		return newPeer(session, stream), nil
	}
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.server.Close()
	})
	return err
}

func (t *Transport) Addr() net.Addr {
	addr, err := net.ResolveUDPAddr("udp", t.server.H3.Addr)
	if err != nil {
		return nil
	}
	return addr
}

// Dial opens a session at url (https://) and its message stream.
func Dial(ctx context.Context, url string, header http.Header, tlsCfg *tls.Config) (*Peer, error) {
	d := webtransport.Dialer{
		TLSClientConfig: tlsCfg,
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}

	resp, session, err := d.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "")
		return nil, err
	}

	p := newPeer(session, stream)
	if err := p.framed.WritePreamble(); err != nil {
		session.CloseWithError(0, "")
		return nil, err
	}
	return p, nil
}

type Peer struct {
	session *webtransport.Session
	framed  *transport.FramedStream

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(session *webtransport.Session, stream *webtransport.Stream) *Peer {
	return &Peer{
		session: session,
		framed:  transport.NewFramedStream(stream),
		closed:  make(chan struct{}),
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

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
	})
	return err
}

func (p *Peer) LocalAddr() net.Addr {
	return p.session.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.session.RemoteAddr()
}

func convertError(err error) error {
	var se *webtransport.SessionError
	if errors.As(err, &se) && se.Remote {
		return &transport.CloseError{
			Code:   transport.CloseCode(se.ErrorCode),
			Reason: se.Message,
		}
	}
	return err
}
