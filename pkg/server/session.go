package server

import (
	"sync"
	"sync/atomic"

	"github.com/QYUbit/roomsync/pkg/store"
	"github.com/QYUbit/roomsync/pkg/transport"
)

// The Session struct wraps a low level peer. It carries the session id,
// the identity resolved at join, the room the session is in and a store
// of arbitrary values.
type Session struct {
	id       string
	identity atomic.Value
	peer     transport.Peer

	codec      Codec
	serializer Serializer

	writeMu sync.Mutex
	data    sync.Map
	room    atomic.Pointer[Room]

	// owned by the room loop
	player *store.Player

	closeOnce sync.Once
	closed    atomic.Bool
}

func newSession(id string, peer transport.Peer, codec Codec, serializer Serializer) *Session {
	s := &Session{
		id:         id,
		peer:       peer,
		codec:      codec,
		serializer: serializer,
	}
	s.identity.Store(id)
	return s
}

// ==================================================================
// Lifecycle
// ==================================================================

// Close closes the peer with code. The remote receives code and reason.
func (s *Session) Close(code transport.CloseCode, reason string) (err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.peer.Close(code, reason)
	})
	return
}

// IsClosed reports whether a session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// ==================================================================
// Identity
// ==================================================================

// ID returns the id assigned at connect.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the identity resolved when joining. It defaults to the
// session id.
func (s *Session) Identity() string {
	return s.identity.Load().(string)
}

func (s *Session) setIdentity(identity string) {
	s.identity.Store(identity)
}

// Peer returns the session's low level peer.
func (s *Session) Peer() transport.Peer {
	return s.peer
}

// Room returns the room the session is a member of, if any.
func (s *Session) Room() *Room {
	return s.room.Load()
}

// Player returns the persisted record loaded at join. Only use it from room
// hooks and handlers.
func (s *Session) Player() *store.Player {
	return s.player
}

// ==================================================================
// Send
// ==================================================================

// Push sends an application message. v can be a byte slice, a string or
// any value the serializer accepts.
func (s *Session) Push(typ string, v any) error {
	data, err := marshalPayload(s.serializer, v)
	if err != nil {
		return err
	}

	var room string
	if r := s.Room(); r != nil {
		room = r.ID()
	}
	return s.send(Frame{Kind: KindMessage, Room: room, Type: typ, Data: data})
}

func (s *Session) send(f Frame) error {
	p, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	return s.sendRaw(p)
}

// sendRaw writes an encoded frame. Writes are serialized so a frame is
// never interleaved with another.
func (s *Session) sendRaw(p []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.peer.WriteMessage(p)
}

// ==================================================================
// State
// ==================================================================

// Set sets a value in the session's store.
func (s *Session) Set(key string, value any) {
	s.data.Store(key, value)
}

// Get retrieves a value from the session's store.
func (s *Session) Get(key string) (any, bool) {
	return s.data.Load(key)
}

// Has reports whether the session's store contains the specified key.
func (s *Session) Has(key string) bool {
	_, ok := s.data.Load(key)
	return ok
}

// Delete deletes a key value pair from the session's store.
func (s *Session) Delete(key string) {
	s.data.Delete(key)
}
