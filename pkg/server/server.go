// Package server runs rooms whose state is replicated to their members
// through delta patches. It manages sessions, routes their frames to
// rooms and orchestrates the room lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/QYUbit/roomsync/pkg/store"
	"github.com/QYUbit/roomsync/pkg/synclog"
	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/google/uuid"
)

const joinAttempts = 3

// Authenticator resolves the identity of a joining session from the token
// of its join frame.
type Authenticator func(ctx context.Context, token []byte) (identity string, err error)

type ServerConfig struct {
	Logger     synclog.Logger
	Codec      Codec
	Serializer Serializer
	// Store defaults to an in-memory store.
	Store store.PlayerStore
	// Authenticate is optional. Without it the identity is the session id.
	Authenticate Authenticator
	// IDGenerator names sessions and rooms, uuid.NewString by default.
	IDGenerator func() string
}

type Server struct {
	logger       synclog.Logger
	codec        Codec
	serializer   Serializer
	store        store.PlayerStore
	authenticate Authenticator
	newID        func() string

	rooms    *roomManager
	sessions *sessionManager

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against the closed flag so Shutdown never waits on a
	// session it did not see.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Codec == nil {
		cfg.Codec = BinaryCodec{}
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		logger:       synclog.Or(cfg.Logger),
		codec:        cfg.Codec,
		serializer:   cfg.Serializer,
		store:        cfg.Store,
		authenticate: cfg.Authenticate,
		newID:        cfg.IDGenerator,
		rooms:        newRoomManager(),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.sessions = &sessionManager{
		codec:      s.codec,
		serializer: s.serializer,
		logger:     s.logger,
		newID:      s.newID,
		onJoin:     s.join,
		sessions:   make(map[string]*Session),
	}

	return s
}

// Define registers a room type. factory is called once per created room.
func (s *Server) Define(roomType string, factory RoomFactory, opts RoomOptions) {
	s.rooms.define(roomType, factory, opts)
}

// CreateRoom creates and starts a room of roomType.
func (s *Server) CreateRoom(ctx context.Context, roomType string) (*Room, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	def, ok := s.rooms.definition(roomType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoomType, roomType)
	}

	r := newRoom(s.ctx, s.newID(), roomType, def.factory(), def.opts, roomDeps{
		logger:     s.logger,
		codec:      s.codec,
		serializer: s.serializer,
		store:      s.store,
		onDisposed: func(r *Room) { s.rooms.delete(r.ID()) },
	})

	s.rooms.set(r)
	if err := r.start(); err != nil {
		s.rooms.delete(r.ID())
		return nil, fmt.Errorf("create room %q: %w", roomType, err)
	}
	return r, nil
}

// Room returns a live room by id.
func (s *Server) Room(id string) (*Room, bool) {
	return s.rooms.get(id)
}

func (s *Server) RoomCount() int {
	return s.rooms.count()
}

func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// Serve accepts peers from t until ctx is done, t is closed or the server
// shuts down.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.logger.Info("serving transport", "addr", t.Addr())

	for {
		peer, err := t.Accept(ctx)
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			s.logger.Error("failed to accept new peer", "error", err)
			continue
		}

		if !s.track() {
			peer.Close(transport.CloseGoingAway, "server shutting down")
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.sessions.handle(s.ctx, peer)
		}()
	}
}

// track registers a session goroutine unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) join(ctx context.Context, ses *Session, f Frame) error {
	if ses.Room() != nil {
		return ErrAlreadyInRoom
	}

	if s.authenticate != nil {
		identity, err := s.authenticate(ctx, f.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		ses.setIdentity(identity)
	}

	if f.Room != "" {
		r, ok := s.rooms.get(f.Room)
		if !ok || (f.Type != "" && r.Type() != f.Type) {
			return fmt.Errorf("%w: %s", ErrRoomNotFound, f.Room)
		}
		return r.Join(ctx, ses)
	}

	return s.joinOrCreate(ctx, ses, f.Type)
}

// joinOrCreate joins a room of roomType with a free seat, creating one
// when there is none.
func (s *Server) joinOrCreate(ctx context.Context, ses *Session, roomType string) error {
	var err error
	for range joinAttempts {
		r := s.rooms.joinable(roomType)
		if r == nil {
			if r, err = s.CreateRoom(ctx, roomType); err != nil {
				return err
			}
		}

		err = r.Join(ctx, ses)
		if !errors.Is(err, ErrRoomFull) && !errors.Is(err, ErrRoomNotRunning) {
			return err
		}
	}
	return err
}

// Shutdown disposes every room, closing their members with
// CloseGoingAway, and disconnects the remaining sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	swapped := s.closed.CompareAndSwap(false, true)
	s.mu.Unlock()
	if !swapped {
		return ErrServerClosed
	}

	s.logger.Info("shutting down", "rooms", s.RoomCount(), "sessions", s.SessionCount())

	s.cancel()
	if err := s.rooms.waitAll(ctx); err != nil {
		return err
	}

	s.sessions.disconnectAll(transport.CloseGoingAway, "server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
