// Package transport abstracts the message oriented connections rooms talk
// over. Implementations live in the sub packages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CloseCode tells the remote side why a connection ended. Values follow
// the WebSocket close code ranges so they survive that transport unchanged.
type CloseCode uint16

const (
	// CloseNormal is a graceful leave.
	CloseNormal CloseCode = 1000
	// CloseGoingAway is sent when the server shuts down.
	CloseGoingAway CloseCode = 1001
	// CloseProtocolError is sent after a malformed frame or patch.
	CloseProtocolError CloseCode = 1002
	// CloseAbnormal marks a connection that dropped or failed to send.
	// It is never written to the wire.
	CloseAbnormal CloseCode = 1006
	// CloseKicked is a removal forced by the server.
	CloseKicked CloseCode = 4000
	// CloseRoomDisposed is sent to members still present at disposal.
	CloseRoomDisposed CloseCode = 4001
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseAbnormal:
		return "abnormal"
	case CloseKicked:
		return "kicked"
	case CloseRoomDisposed:
		return "room disposed"
	}
	return fmt.Sprintf("CloseCode(%d)", uint16(c))
}

// Graceful reports whether the remote ended the connection on purpose.
func (c CloseCode) Graceful() bool {
	return c == CloseNormal || c == CloseGoingAway || c == CloseRoomDisposed
}

var (
	ErrPeerClosed      = errors.New("peer is closed")
	ErrTransportClosed = errors.New("transport is closed")
)

// CloseError is returned by ReadMessage once the remote closed the
// connection with a code.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: %s", e.Code)
	}
	return fmt.Sprintf("connection closed: %s (%s)", e.Code, e.Reason)
}

// CodeOf extracts the close code of err, CloseAbnormal if there is none.
func CodeOf(err error) CloseCode {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

//go:generate mockgen -destination=mocks/peer.go -package=mocks . Peer

// Peer is one message oriented connection. ReadMessage must only be called
// from a single goroutine; WriteMessage may be called concurrently.
type Peer interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close(code CloseCode, reason string) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Transport accepts peers.
type Transport interface {
	Accept(ctx context.Context) (Peer, error)
	Close() error
	Addr() net.Addr
}
