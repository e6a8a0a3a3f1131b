package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/QYUbit/roomsync/pkg/synclog"
	"github.com/QYUbit/roomsync/pkg/transport"
)

const leaveTimeout = 5 * time.Second

// The sessionManager handles new connections and manages their lifetimes.
type sessionManager struct {
	codec      Codec
	serializer Serializer
	logger     synclog.Logger
	newID      func() string

	onJoin func(ctx context.Context, ses *Session, f Frame) error

	sessions map[string]*Session
	mu       sync.RWMutex
}

func (m *sessionManager) add(ses *Session) {
	m.mu.Lock()
	m.sessions[ses.ID()] = ses
	m.mu.Unlock()
}

func (m *sessionManager) remove(ses *Session) {
	m.mu.Lock()
	delete(m.sessions, ses.ID())
	m.mu.Unlock()
}

func (m *sessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *sessionManager) disconnectAll(code transport.CloseCode, reason string) (lastErr error) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, ses := range m.sessions {
		sessions = append(sessions, ses)
	}
	m.mu.RUnlock()

	for _, ses := range sessions {
		if err := ses.Close(code, reason); err != nil {
			lastErr = err
		}
	}
	return
}

// handle serves one peer until it disconnects.
func (m *sessionManager) handle(ctx context.Context, peer transport.Peer) {
	ses := newSession(m.newID(), peer, m.codec, m.serializer)
	m.add(ses)
	defer m.remove(ses)

	// a session added after disconnectAll took its snapshot is closed here
	if ctx.Err() != nil {
		ses.Close(transport.CloseGoingAway, "server shutting down")
	}

	m.logger.Debug("session connected", "session", ses.ID(), "remote", peer.RemoteAddr())

	code := m.read(ctx, ses)

	if r := ses.Room(); r != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		err := r.Leave(lctx, ses, code, "")
		cancel()
		if err != nil && !errors.Is(err, ErrRoomNotRunning) && !errors.Is(err, ErrNotInRoom) {
			m.logger.Error("failed to leave room", "session", ses.ID(), "room", r.ID(), "error", err)
		}
	}
	ses.Close(code, "")

	m.logger.Debug("session disconnected", "session", ses.ID(), "code", code.String())
}

// read runs the receive loop and returns the close code of the session.
func (m *sessionManager) read(ctx context.Context, ses *Session) transport.CloseCode {
	for {
		if ses.IsClosed() {
			return transport.CloseNormal
		}

		data, err := ses.peer.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return transport.CloseGoingAway
			}
			var ce *transport.CloseError
			if !errors.As(err, &ce) && !errors.Is(err, io.EOF) && !ses.IsClosed() {
				m.logger.Debug("failed to receive message", "session", ses.ID(), "error", err)
			}
			return transport.CodeOf(err)
		}

		frame, err := m.codec.Decode(data)
		if err == nil {
			err = m.dispatch(ctx, ses, frame)
		}
		if err != nil {
			m.logger.Warn("closing session after protocol error", "session", ses.ID(), "error", err)
			ses.Close(transport.CloseProtocolError, err.Error())
			return transport.CloseProtocolError
		}
	}
}

// dispatch routes one frame. A returned error is a protocol violation.
func (m *sessionManager) dispatch(ctx context.Context, ses *Session, f Frame) error {
	switch f.Kind {
	case KindJoin:
		if err := m.onJoin(ctx, ses, f); err != nil {
			m.logger.Info("join rejected", "session", ses.ID(), "room", f.Room, "type", f.Type, "error", err)
			if err := ses.send(Frame{Kind: KindError, Room: f.Room, Type: f.Type, Data: []byte(err.Error())}); err != nil {
				m.logger.Debug("failed to report join error", "session", ses.ID(), "error", err)
			}
		}
		return nil

	case KindLeave, KindMessage, KindResync:
		r := ses.Room()
		if r == nil || (f.Room != "" && f.Room != r.ID()) {
			m.logger.Warn("dropped frame for a room the session is not in", "session", ses.ID(), "kind", f.Kind.String(), "room", f.Room)
			return nil
		}

		var err error
		switch f.Kind {
		case KindLeave:
			err = r.Leave(ctx, ses, transport.CloseNormal, "left")
		case KindMessage:
			err = r.deliver(ctx, ses, f.Type, f.Data)
		case KindResync:
			err = r.resync(ctx, ses)
		}
		if err != nil && !errors.Is(err, ErrRoomNotRunning) && !errors.Is(err, ErrNotInRoom) {
			m.logger.Warn("failed to forward frame", "session", ses.ID(), "kind", f.Kind.String(), "error", err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Kind)
}
