// Package client joins a room over any transport.Peer and keeps a mirror of
// the room state. The mirror is built from the reflection sent with the
// handshake, so the client needs no compiled-in knowledge of the state types.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/server"
	"github.com/QYUbit/roomsync/pkg/synclog"
	"github.com/QYUbit/roomsync/pkg/transport"
)

var (
	ErrJoinRejected = errors.New("join rejected")
	ErrClosed       = errors.New("client is closed")
)

// JoinOptions select the room to join. RoomID wins over RoomType.
type JoinOptions struct {
	RoomType string
	RoomID   string
	Token    []byte

	Logger     synclog.Logger
	Codec      server.Codec
	Serializer server.Serializer
}

// MessageHandler receives the raw payload of an application message.
type MessageHandler func(typ string, payload []byte)

// Client is a member of one room. Callbacks run on the goroutine calling
// Run; state observers registered on the mirror do too.
type Client struct {
	peer       transport.Peer
	codec      server.Codec
	serializer server.Serializer
	logger     synclog.Logger

	sessionID atomic.Value
	roomID    atomic.Value

	// mu guards the mirror and the handler lists.
	mu       sync.Mutex
	registry *schema.Registry
	root     *schema.Object
	dec      *schema.Decoder
	handlers map[string][]MessageHandler
	onReset  []func(root *schema.Object)
	onLeave  []func(code transport.CloseCode)

	desynced  atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// Join sends a join frame on peer and waits for the handshake and the
// full state. The peer is closed if joining fails.
func Join(ctx context.Context, peer transport.Peer, opts JoinOptions) (*Client, error) {
	c := &Client{
		peer:       peer,
		codec:      opts.Codec,
		serializer: opts.Serializer,
		logger:     synclog.Or(opts.Logger),
		handlers:   make(map[string][]MessageHandler),
	}
	if c.codec == nil {
		c.codec = server.BinaryCodec{}
	}
	if c.serializer == nil {
		c.serializer = server.JSONSerializer{}
	}
	c.sessionID.Store("")
	c.roomID.Store("")

	stop := context.AfterFunc(ctx, func() {
		peer.Close(transport.CloseNormal, "join canceled")
	})
	defer stop()

	err := c.send(server.Frame{Kind: server.KindJoin, Room: opts.RoomID, Type: opts.RoomType, Data: opts.Token})
	if err == nil {
		err = c.awaitSnapshot()
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		peer.Close(transport.CloseNormal, "join failed")
		return nil, err
	}

	c.logger.Debug("joined room", "room", c.RoomID(), "session", c.SessionID())
	return c, nil
}

// awaitSnapshot reads the handshake and full state that follow a join.
func (c *Client) awaitSnapshot() error {
	f, err := c.read()
	if err != nil {
		return err
	}
	switch f.Kind {
	case server.KindError:
		return fmt.Errorf("%w: %s", ErrJoinRejected, f.Data)
	case server.KindHandshake:
	default:
		return fmt.Errorf("%w: expected handshake, got %s", server.ErrUnexpectedFrame, f.Kind)
	}

	var hs server.Handshake
	if err := hs.UnmarshalBinary(f.Data); err != nil {
		return err
	}

	f, err = c.read()
	if err != nil {
		return err
	}
	if f.Kind != server.KindFullState {
		return fmt.Errorf("%w: expected full state, got %s", server.ErrUnexpectedFrame, f.Kind)
	}
	return c.reset(hs, f.Data)
}

// reset rebuilds the mirror from a handshake and a full state.
func (c *Client) reset(hs server.Handshake, full []byte) error {
	var (
		reg  *schema.Registry
		root *schema.Object
		dec  *schema.Decoder
	)

	// rooms without state send an empty reflection
	if len(hs.Reflection) > 0 {
		var (
			rootType *schema.Type
			err      error
		)
		reg, rootType, err = schema.DecodeReflection(hs.Reflection)
		if err != nil {
			return err
		}
		root = schema.NewMirror(rootType)
		dec = schema.NewDecoder(root)
		if _, err := dec.Decode(full); err != nil {
			return fmt.Errorf("apply full state: %w", err)
		}
	}

	c.mu.Lock()
	old := c.root
	c.registry, c.root, c.dec = reg, root, dec
	c.mu.Unlock()

	if old != nil {
		schema.Release(old)
	}

	c.sessionID.Store(hs.SessionID)
	c.roomID.Store(hs.RoomID)
	c.desynced.Store(false)
	return nil
}

// ==================================================================
// Read loop
// ==================================================================

// Run reads frames until the connection ends or ctx is done. It returns
// nil after a graceful close and ctx.Err() after cancellation. A frame that
// does not decode closes the connection with CloseProtocolError.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	var pending *server.Handshake

	for {
		p, err := c.peer.ReadMessage()
		if err != nil {
			closedLocally := c.closed.Swap(true)
			code := transport.CodeOf(err)
			if closedLocally {
				code = transport.CloseNormal
			}
			c.fireLeave(code)

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if code.Graceful() || closedLocally {
				return nil
			}
			return err
		}

		f, err := c.codec.Decode(p)
		if err != nil {
			c.logger.Warn("closing after malformed frame", "room", c.RoomID(), "error", err)
			c.closeWith(transport.CloseProtocolError, err.Error())
			c.fireLeave(transport.CloseProtocolError)
			return err
		}

		switch f.Kind {
		case server.KindPatch:
			c.applyPatch(f.Data)

		case server.KindHandshake:
			var hs server.Handshake
			if err := hs.UnmarshalBinary(f.Data); err != nil {
				c.logger.Warn("invalid handshake", "room", c.RoomID(), "error", err)
				c.requestResync()
				continue
			}
			pending = &hs

		case server.KindFullState:
			if pending == nil {
				c.logger.Warn("full state without handshake", "room", c.RoomID())
				continue
			}
			hs := *pending
			pending = nil
			if err := c.reset(hs, f.Data); err != nil {
				c.logger.Warn("failed to rebuild state", "room", c.RoomID(), "error", err)
				c.markDesynced()
				c.requestResync()
				continue
			}
			c.fireReset()

		case server.KindMessage:
			c.dispatch(f.Type, f.Data)

		case server.KindError:
			c.logger.Warn("server reported an error", "room", c.RoomID(), "error", string(f.Data))

		default:
			c.logger.Debug("ignored frame", "kind", f.Kind.String())
		}
	}
}

func (c *Client) applyPatch(patch []byte) {
	if c.desynced.Load() {
		return
	}

	c.mu.Lock()
	dec := c.dec
	var err error
	if dec != nil {
		_, err = dec.Decode(patch)
	}
	c.mu.Unlock()

	if err == nil {
		return
	}

	c.logger.Warn("failed to apply patch, requesting full state", "room", c.RoomID(), "error", err)
	c.markDesynced()
	c.requestResync()
}

func (c *Client) markDesynced() {
	c.desynced.Store(true)
}

func (c *Client) requestResync() {
	if err := c.send(server.Frame{Kind: server.KindResync, Room: c.RoomID()}); err != nil {
		c.logger.Debug("failed to request resync", "room", c.RoomID(), "error", err)
	}
}

func (c *Client) dispatch(typ string, payload []byte) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers[typ])
	handlers = append(handlers, c.handlers["*"]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("dropped message without handler", "type", typ)
		return
	}
	for _, h := range handlers {
		h(typ, payload)
	}
}

func (c *Client) fireReset() {
	c.mu.Lock()
	hooks := slices.Clone(c.onReset)
	root := c.root
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(root)
	}
}

func (c *Client) fireLeave(code transport.CloseCode) {
	c.mu.Lock()
	hooks := slices.Clone(c.onLeave)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(code)
	}
}

// ==================================================================
// Hooks
// ==================================================================

// OnMessage registers fn for messages of typ. "*" receives every message.
func (c *Client) OnMessage(typ string, fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], fn)
}

// OnStateReset registers fn to run after the mirror was rebuilt from a full
// state. Observers on the previous mirror are gone at that point.
func (c *Client) OnStateReset(fn func(root *schema.Object)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReset = append(c.onReset, fn)
}

// OnLeave registers fn to run once the connection ended.
func (c *Client) OnLeave(fn func(code transport.CloseCode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLeave = append(c.onLeave, fn)
}

// ==================================================================
// Outgoing
// ==================================================================

// Send sends an application message. []byte and string payloads are sent
// as is, everything else goes through the serializer.
func (c *Client) Send(typ string, v any) error {
	var (
		data []byte
		err  error
	)
	switch p := v.(type) {
	case nil:
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		if data, err = c.serializer.Marshal(v); err != nil {
			return err
		}
	}
	return c.send(server.Frame{Kind: server.KindMessage, Room: c.RoomID(), Type: typ, Data: data})
}

// Leave asks the server to remove the client from the room. The server
// closes the connection afterwards, which ends Run.
func (c *Client) Leave() error {
	return c.send(server.Frame{Kind: server.KindLeave, Room: c.RoomID()})
}

// Close closes the connection without leaving first.
func (c *Client) Close() error {
	return c.closeWith(transport.CloseNormal, "client closed")
}

func (c *Client) closeWith(code transport.CloseCode, reason string) error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.peer.Close(code, reason)
	})
	return err
}

func (c *Client) send(f server.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	p, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	return c.peer.WriteMessage(p)
}

func (c *Client) read() (server.Frame, error) {
	p, err := c.peer.ReadMessage()
	if err != nil {
		return server.Frame{}, err
	}
	return c.codec.Decode(p)
}

// ==================================================================
// State
// ==================================================================

// View runs fn with the mirror root while no patch is applied. root is nil
// for rooms without state. Observers already run under the same lock and
// must not call View.
func (c *Client) View(fn func(root *schema.Object)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.root)
}

// State returns the mirror root. Only read it from client callbacks or
// through View while Run is active.
func (c *Client) State() *schema.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Registry returns the types decoded from the last handshake.
func (c *Client) Registry() *schema.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

func (c *Client) SessionID() string {
	return c.sessionID.Load().(string)
}

func (c *Client) RoomID() string {
	return c.roomID.Load().(string)
}

// Desynced reports whether the mirror is waiting for a full state after a
// failed patch.
func (c *Client) Desynced() bool {
	return c.desynced.Load()
}
