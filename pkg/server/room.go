package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/store"
	"github.com/QYUbit/roomsync/pkg/synclog"
	"github.com/QYUbit/roomsync/pkg/transport"
)

const (
	DefaultSimulationInterval = time.Second / 60
	DefaultPatchInterval      = 50 * time.Millisecond

	inboxSize    = 256
	storeTimeout = 5 * time.Second
)

type RoomStatus int32

const (
	RoomCreated RoomStatus = iota
	RoomRunning
	RoomDisposing
	RoomDisposed
)

func (s RoomStatus) String() string {
	switch s {
	case RoomCreated:
		return "created"
	case RoomRunning:
		return "running"
	case RoomDisposing:
		return "disposing"
	case RoomDisposed:
		return "disposed"
	}
	return fmt.Sprintf("RoomStatus(%d)", int32(s))
}

type RoomOptions struct {
	// SimulationInterval is the period of OnTick.
	SimulationInterval time.Duration
	// PatchInterval is the period at which state changes are broadcast.
	PatchInterval time.Duration
	// AutoDispose disposes the room once its last member left.
	AutoDispose bool
	// MaxMembers limits the member count, 0 means unlimited.
	MaxMembers int
}

func (o RoomOptions) withDefaults() RoomOptions {
	if o.SimulationInterval <= 0 {
		o.SimulationInterval = DefaultSimulationInterval
	}
	if o.PatchInterval <= 0 {
		o.PatchInterval = DefaultPatchInterval
	}
	return o
}

// RoomDefinition holds the behavior of a room type. Every hook runs on
// the room's loop goroutine, so hooks may mutate the state freely.
type RoomDefinition interface {
	// OnCreate installs the state with Room.SetState and registers message
	// handlers. An error aborts the creation.
	OnCreate(r *Room) error
	// OnJoin runs after a member was added and before it receives the
	// state. An error rejects the join.
	OnJoin(r *Room, m *Session) error
	OnLeave(r *Room, m *Session, code transport.CloseCode)
	OnTick(r *Room, dt time.Duration) error
	OnDispose(r *Room)
}

type RoomFactory func() RoomDefinition

// BaseDefinition implements every hook as a no-op. Embed it to only
// implement the hooks a room needs.
type BaseDefinition struct{}

func (BaseDefinition) OnCreate(*Room) error { return nil }
func (BaseDefinition) OnJoin(*Room, *Session) error { return nil }
func (BaseDefinition) OnLeave(*Room, *Session, transport.CloseCode) {}
func (BaseDefinition) OnTick(*Room, time.Duration) error { return nil }
func (BaseDefinition) OnDispose(*Room) {}

// Room is one session of a room type. It owns a replicated state and the
// set of members the state is synchronized to. All state mutation happens
// on a single loop goroutine that serializes incoming messages, joins,
// leaves, simulation ticks and patch broadcasts.
type Room struct {
	id   string
	typ  string
	def  RoomDefinition
	opts RoomOptions

	logger     synclog.Logger
	codec      Codec
	serializer Serializer
	store      store.PlayerStore
	router     *Router

	status atomic.Int32

	// owned by the loop
	state       *schema.Object
	registry    *schema.Registry
	encoder     *schema.Encoder
	reflection  []byte
	simTicker   *time.Ticker
	patchTicker *time.Ticker

	members   map[string]*Session
	membersMu sync.RWMutex

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onDisposed func(r *Room)
}

type roomDeps struct {
	logger     synclog.Logger
	codec      Codec
	serializer Serializer
	store      store.PlayerStore
	onDisposed func(r *Room)
}

func newRoom(ctx context.Context, id, typ string, def RoomDefinition, opts RoomOptions, deps roomDeps) *Room {
	ctx, cancel := context.WithCancel(ctx)
	logger := synclog.Or(deps.logger)
	if deps.codec == nil {
		deps.codec = BinaryCodec{}
	}
	if deps.serializer == nil {
		deps.serializer = JSONSerializer{}
	}

	return &Room{
		id:         id,
		typ:        typ,
		def:        def,
		opts:       opts.withDefaults(),
		logger:     logger,
		codec:      deps.codec,
		serializer: deps.serializer,
		store:      deps.store,
		router:     NewRouter(deps.serializer, logger),
		members:    make(map[string]*Session),
		inbox:      make(chan func(), inboxSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		onDisposed: deps.onDisposed,
	}
}

// start runs OnCreate on the calling goroutine and then starts the loop.
func (r *Room) start() error {
	if err := r.safeCall("create", func() error { return r.def.OnCreate(r) }); err != nil {
		r.status.Store(int32(RoomDisposed))
		r.cancel()
		close(r.done)
		return err
	}

	r.simTicker = time.NewTicker(r.opts.SimulationInterval)
	r.patchTicker = time.NewTicker(r.opts.PatchInterval)
	r.status.Store(int32(RoomRunning))

	go r.run()

	r.logger.Info("room created", "room", r.id, "type", r.typ)
	return nil
}

func (r *Room) run() {
	defer close(r.done)

	last := time.Now()
	for {
		select {
		case fn := <-r.inbox:
			r.safeCall("command", func() error {
				fn()
				return nil
			})
		case now := <-r.simTicker.C:
			r.tick(now.Sub(last))
			last = now
		case <-r.patchTicker.C:
			r.broadcastPatch()
		case <-r.ctx.Done():
			r.dispose(transport.CloseGoingAway, "server shutting down")
		}

		if r.Status() == RoomDisposed {
			return
		}
	}
}

// ==================================================================
// Accessors
// ==================================================================

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Type() string {
	return r.typ
}

func (r *Room) Status() RoomStatus {
	return RoomStatus(r.status.Load())
}

// Done is closed once the room is disposed.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// State returns the replicated root. Only use it from hooks and handlers.
func (r *Room) State() *schema.Object {
	return r.state
}

func (r *Room) Registry() *schema.Registry {
	return r.registry
}

func (r *Room) Options() RoomOptions {
	return r.opts
}

func (r *Room) Logger() synclog.Logger {
	return r.logger
}

func (r *Room) Members() []*Session {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()

	members := make([]*Session, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

func (r *Room) MemberCount() int {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return len(r.members)
}

func (r *Room) Member(sessionID string) (*Session, bool) {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	m, ok := r.members[sessionID]
	return m, ok
}

// ==================================================================
// Setup
// ==================================================================

// SetState installs root as the replicated state. Members present while
// the state is replaced receive a new handshake and the full state.
func (r *Room) SetState(reg *schema.Registry, root *schema.Object) {
	if root == r.state {
		return
	}

	old := r.state
	r.registry = reg
	r.state = root
	r.encoder = schema.NewEncoder(root)
	r.reflection = schema.EncodeReflection(reg, root.Type())

	if old != nil {
		schema.Release(old)
	}

	if r.Status() == RoomRunning {
		var failed []*Session
		for _, m := range r.Members() {
			if err := r.sendSnapshot(m); err != nil {
				failed = append(failed, m)
			}
		}
		r.leaveAll(failed, transport.CloseAbnormal, "send failed")
	}
}

// OnMessage registers a handler for a message type. Register handlers in
// OnCreate.
func (r *Room) OnMessage(typ string, handler HandlerFunc[[]byte]) {
	r.router.RegisterRaw(typ, handler)
}

// OnAnyMessage registers a handler for message types without handler.
func (r *Room) OnAnyMessage(handler HandlerFunc[[]byte]) {
	r.router.RegisterFallbackRaw(handler)
}

// Handle registers a handler whose payload is decoded into T.
func Handle[T any](r *Room, typ string, handler HandlerFunc[T]) {
	Register(r.router, typ, handler)
}

// ==================================================================
// Loop access
// ==================================================================

// post queues fn on the loop without waiting for it.
func (r *Room) post(ctx context.Context, fn func()) error {
	select {
	case <-r.done:
		return ErrRoomNotRunning
	default:
	}

	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrRoomNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec runs fn on the room loop and waits for its result. Use it to touch
// the state from outside hooks and handlers. It must not be called from
// the loop itself.
func (r *Room) Exec(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	cmd := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("room command panicked", "room", r.id, "panic", rec)
				result <- fmt.Errorf("room command panicked: %v", rec)
			}
		}()
		result <- fn()
	}

	if err := r.post(ctx, cmd); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrRoomNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join adds ses to the room, sends it the handshake and the full state.
func (r *Room) Join(ctx context.Context, ses *Session) error {
	return r.Exec(ctx, func() error {
		return r.join(ses)
	})
}

// Leave removes ses and closes its connection with code.
func (r *Room) Leave(ctx context.Context, ses *Session, code transport.CloseCode, reason string) error {
	return r.Exec(ctx, func() error {
		if _, ok := r.Member(ses.ID()); !ok {
			return ErrNotInRoom
		}
		r.leave(ses, code, reason)
		return nil
	})
}

// Dispose disposes the room and closes every member with
// CloseRoomDisposed.
func (r *Room) Dispose(ctx context.Context) error {
	return r.Exec(ctx, func() error {
		r.dispose(transport.CloseRoomDisposed, "room disposed")
		return nil
	})
}

// Kick removes m with CloseKicked. Only call it from hooks and handlers.
func (r *Room) Kick(m *Session, reason string) {
	r.leave(m, transport.CloseKicked, reason)
}

func (r *Room) deliver(ctx context.Context, ses *Session, typ string, data []byte) error {
	return r.post(ctx, func() {
		if _, ok := r.Member(ses.ID()); !ok {
			r.logger.Debug("dropped message from non member", "room", r.id, "session", ses.ID())
			return
		}
		r.router.Handle(r, ses, typ, data)
	})
}

// resync sends the handshake and the full state to a member that lost
// track of the state.
func (r *Room) resync(ctx context.Context, ses *Session) error {
	return r.post(ctx, func() {
		if _, ok := r.Member(ses.ID()); !ok {
			return
		}
		r.logger.Info("member requested resync", "room", r.id, "session", ses.ID())
		if err := r.sendSnapshot(ses); err != nil {
			r.leave(ses, transport.CloseAbnormal, "send failed")
		}
	})
}

// ==================================================================
// Membership
// ==================================================================

func (r *Room) join(ses *Session) error {
	if r.Status() != RoomRunning {
		return ErrRoomNotRunning
	}
	if r.opts.MaxMembers > 0 && r.MemberCount() >= r.opts.MaxMembers {
		return ErrRoomFull
	}
	if !ses.room.CompareAndSwap(nil, r) {
		return ErrAlreadyInRoom
	}

	if err := r.loadPlayer(ses); err != nil {
		ses.room.Store(nil)
		return err
	}

	r.membersMu.Lock()
	r.members[ses.ID()] = ses
	r.membersMu.Unlock()

	if err := r.safeCall("join", func() error { return r.def.OnJoin(r, ses) }); err != nil {
		r.membersMu.Lock()
		delete(r.members, ses.ID())
		r.membersMu.Unlock()
		ses.room.Store(nil)
		ses.player = nil
		return err
	}

	if err := r.sendSnapshot(ses); err != nil {
		r.leave(ses, transport.CloseAbnormal, "send failed")
		return err
	}

	r.logger.Info("member joined", "room", r.id, "session", ses.ID(), "identity", ses.Identity())
	return nil
}

func (r *Room) leave(ses *Session, code transport.CloseCode, reason string) {
	r.membersMu.Lock()
	_, ok := r.members[ses.ID()]
	delete(r.members, ses.ID())
	r.membersMu.Unlock()

	if !ok {
		return
	}

	ses.room.CompareAndSwap(r, nil)

	r.safeCall("leave", func() error {
		r.def.OnLeave(r, ses, code)
		return nil
	})

	r.savePlayer(ses)

	if err := ses.Close(code, reason); err != nil {
		r.logger.Debug("failed to close member", "room", r.id, "session", ses.ID(), "error", err)
	}

	r.logger.Info("member left", "room", r.id, "session", ses.ID(), "code", code.String())

	if r.opts.AutoDispose && r.Status() == RoomRunning && r.MemberCount() == 0 {
		r.dispose(transport.CloseRoomDisposed, "room disposed")
	}
}

func (r *Room) leaveAll(members []*Session, code transport.CloseCode, reason string) {
	for _, m := range members {
		r.leave(m, code, reason)
	}
}

func (r *Room) loadPlayer(ses *Session) error {
	id := ses.Identity()
	if r.store == nil {
		ses.player = &store.Player{ID: id, Data: map[string]any{}}
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	p, err := r.store.GetPlayer(ctx, id)
	if errors.Is(err, store.ErrPlayerNotFound) {
		p = &store.Player{ID: id, Data: map[string]any{}}
		err = r.store.SavePlayer(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("load player %s: %w", id, err)
	}

	if p.Data == nil {
		p.Data = map[string]any{}
	}
	ses.player = p
	return nil
}

func (r *Room) savePlayer(ses *Session) {
	p := ses.player
	ses.player = nil
	if r.store == nil || p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), storeTimeout)
	defer cancel()

	if err := r.store.UpdatePlayer(ctx, p.ID, p.Data); err != nil {
		r.logger.Error("failed to persist player", "room", r.id, "player", p.ID, "error", err)
	}
}

// ==================================================================
// Sending
// ==================================================================

func (r *Room) sendSnapshot(ses *Session) error {
	hs, err := Handshake{
		SessionID:  ses.ID(),
		RoomID:     r.id,
		Reflection: r.reflection,
	}.MarshalBinary()
	if err != nil {
		return err
	}
	if err := ses.send(Frame{Kind: KindHandshake, Room: r.id, Data: hs}); err != nil {
		return err
	}

	var full []byte
	if r.encoder != nil {
		full, err = r.encoder.EncodeAll()
		if err != nil {
			return fmt.Errorf("encode full state: %w", err)
		}
	}
	return ses.send(Frame{Kind: KindFullState, Room: r.id, Data: full})
}

// sendAll writes an encoded frame to every member but except and returns
// the members the write failed for.
func (r *Room) sendAll(p []byte, except *Session) (failed []*Session) {
	for _, m := range r.Members() {
		if m == except {
			continue
		}
		if err := m.sendRaw(p); err != nil {
			r.logger.Warn("failed to send to member", "room", r.id, "session", m.ID(), "error", err)
			failed = append(failed, m)
		}
	}
	return failed
}

// Broadcast sends an application message to every member. Members that
// cannot be reached leave with CloseAbnormal. Only call it from hooks and
// handlers.
func (r *Room) Broadcast(typ string, v any) error {
	return r.broadcast(typ, v, nil)
}

// BroadcastExcept is Broadcast skipping one member.
func (r *Room) BroadcastExcept(typ string, v any, except *Session) error {
	return r.broadcast(typ, v, except)
}

func (r *Room) broadcast(typ string, v any, except *Session) error {
	data, err := marshalPayload(r.serializer, v)
	if err != nil {
		return err
	}
	p, err := r.codec.Encode(Frame{Kind: KindMessage, Room: r.id, Type: typ, Data: data})
	if err != nil {
		return err
	}

	failed := r.sendAll(p, except)
	r.leaveAll(failed, transport.CloseAbnormal, "send failed")
	return nil
}

func (r *Room) broadcastPatch() {
	if r.encoder == nil {
		return
	}

	patch, err := r.encoder.Encode()
	if err != nil {
		r.logger.Error("failed to encode patch", "room", r.id, "error", err)
		return
	}
	if patch == nil {
		r.encoder.Discard()
		return
	}

	p, err := r.codec.Encode(Frame{Kind: KindPatch, Room: r.id, Data: patch})
	if err != nil {
		r.logger.Error("failed to encode patch frame", "room", r.id, "error", err)
		return
	}

	failed := r.sendAll(p, nil)
	r.encoder.Discard()
	r.leaveAll(failed, transport.CloseAbnormal, "send failed")
}

// ==================================================================
// Simulation and disposal
// ==================================================================

func (r *Room) tick(dt time.Duration) {
	if err := r.safeCall("tick", func() error { return r.def.OnTick(r, dt) }); err != nil {
		r.logger.Error("room tick failed", "room", r.id, "error", err)
	}
}

func (r *Room) dispose(code transport.CloseCode, reason string) {
	if !r.status.CompareAndSwap(int32(RoomRunning), int32(RoomDisposing)) {
		return
	}

	r.simTicker.Stop()
	r.patchTicker.Stop()

	r.broadcastPatch()

	r.safeCall("dispose", func() error {
		r.def.OnDispose(r)
		return nil
	})

	r.leaveAll(r.Members(), code, reason)

	if r.state != nil {
		schema.Release(r.state)
	}
	r.encoder = nil

	r.cancel()
	r.status.Store(int32(RoomDisposed))

	if r.onDisposed != nil {
		r.onDisposed(r)
	}
	r.logger.Info("room disposed", "room", r.id, "type", r.typ)
}

// safeCall runs a hook, turning a panic into an error.
func (r *Room) safeCall(hook string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room hook panicked", "room", r.id, "hook", hook, "panic", rec)
			err = fmt.Errorf("%s hook panicked: %v", hook, rec)
		}
	}()
	return fn()
}
