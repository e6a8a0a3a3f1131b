package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/QYUbit/roomsync/pkg/transport/memory"
)

const testTimeout = 2 * time.Second

var (
	testRegistry = schema.NewRegistry()
	testPlayer   = testRegistry.MustDefine("Player",
		schema.Prim("name", schema.String),
		schema.Prim("x", schema.Float64),
		schema.Prim("y", schema.Float64),
		schema.Prim("z", schema.Float64),
	)
	testState = testRegistry.MustDefine("State",
		schema.Prim("serverTime", schema.Uint32),
		schema.MapOfRefs("players", testPlayer),
	)
)

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// testRoom keeps one player per member and counts ticks.
type testRoom struct {
	BaseDefinition

	mu          sync.Mutex
	panicOnTick uint32
	leaves      []transport.CloseCode
	disposed    bool
}

func (d *testRoom) OnCreate(r *Room) error {
	r.SetState(testRegistry, schema.New(testState))

	Handle(r, "move", func(c *Context, p position) error {
		player := c.Room.State().Map("players").Object(c.Member.ID())
		if player == nil {
			return errors.New("no player")
		}
		for name, v := range map[string]float64{"x": p.X, "y": p.Y, "z": p.Z} {
			if err := player.Set(name, v); err != nil {
				return err
			}
		}
		return nil
	})

	r.OnMessage("echo", func(c *Context, payload []byte) error {
		return c.Reply("echo", payload)
	})
	return nil
}

func (d *testRoom) OnJoin(r *Room, m *Session) error {
	p := schema.New(testPlayer)
	for name, v := range map[string]any{"name": m.Identity(), "x": 0.0, "y": 0.0, "z": 0.0} {
		if err := p.Set(name, v); err != nil {
			return err
		}
	}
	return r.State().Map("players").Set(m.ID(), p)
}

func (d *testRoom) OnLeave(r *Room, m *Session, code transport.CloseCode) {
	r.State().Map("players").Delete(m.ID())

	d.mu.Lock()
	d.leaves = append(d.leaves, code)
	d.mu.Unlock()
}

func (d *testRoom) OnTick(r *Room, dt time.Duration) error {
	st := r.State()
	next := uint32(st.Uint64("serverTime")) + 1
	if next == d.panicOnTick {
		d.panicOnTick = 0
		panic("tick exploded")
	}
	return st.Set("serverTime", next)
}

func (d *testRoom) OnDispose(r *Room) {
	d.mu.Lock()
	d.disposed = true
	d.mu.Unlock()
}

func (d *testRoom) leaveCodes() []transport.CloseCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.CloseCode(nil), d.leaves...)
}

// slowOptions keep the tickers out of the way; tests drive ticks and
// patches through Exec.
var slowOptions = RoomOptions{
	SimulationInterval: time.Hour,
	PatchInterval:      time.Hour,
}

func startRoom(t *testing.T, def RoomDefinition, opts RoomOptions) *Room {
	t.Helper()
	r := newRoom(context.Background(), "room-1", "test", def, opts, roomDeps{})
	if err := r.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		r.Dispose(ctx)
	})
	return r
}

func exec(t *testing.T, r *Room, fn func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := r.Exec(ctx, fn); err != nil {
		t.Fatalf("Exec: %v", err)
	}
}

// mirrorClient is a bare client working directly on frames.
type mirrorClient struct {
	t     *testing.T
	peer  transport.Peer
	codec BinaryCodec

	handshake Handshake
	root      *schema.Object
	dec       *schema.Decoder
}

func newMirrorClient(t *testing.T, peer transport.Peer) *mirrorClient {
	return &mirrorClient{t: t, peer: peer}
}

func (c *mirrorClient) send(f Frame) {
	c.t.Helper()
	p, err := c.codec.Encode(f)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	if err := c.peer.WriteMessage(p); err != nil {
		c.t.Fatalf("WriteMessage: %v", err)
	}
}

func (c *mirrorClient) sendMessage(typ string, v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(Frame{Kind: KindMessage, Room: c.handshake.RoomID, Type: typ, Data: data})
}

// next reads one frame, failing the test after testTimeout.
func (c *mirrorClient) next() (Frame, error) {
	c.t.Helper()

	type result struct {
		p   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := c.peer.ReadMessage()
		ch <- result{p, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Frame{}, res.err
		}
		return c.codec.Decode(res.p)
	case <-time.After(testTimeout):
		c.t.Fatalf("timed out waiting for a frame")
		return Frame{}, nil
	}
}

func (c *mirrorClient) expect(kind FrameKind) Frame {
	c.t.Helper()
	f, err := c.next()
	if err != nil {
		c.t.Fatalf("Expected %s frame, got error %v", kind, err)
	}
	if f.Kind != kind {
		c.t.Fatalf("Expected %s frame, got %s", kind, f.Kind)
	}
	return f
}

// join sends a join frame and applies the handshake and full state.
func (c *mirrorClient) join(roomType string) {
	c.t.Helper()
	c.send(Frame{Kind: KindJoin, Type: roomType})
	c.acceptSnapshot()
}

func (c *mirrorClient) acceptSnapshot() {
	c.t.Helper()

	hs := c.expect(KindHandshake)
	if err := c.handshake.UnmarshalBinary(hs.Data); err != nil {
		c.t.Fatalf("handshake: %v", err)
	}
	_, rootType, err := schema.DecodeReflection(c.handshake.Reflection)
	if err != nil {
		c.t.Fatalf("DecodeReflection: %v", err)
	}
	c.root = schema.NewMirror(rootType)
	c.dec = schema.NewDecoder(c.root)

	full := c.expect(KindFullState)
	if _, err := c.dec.Decode(full.Data); err != nil {
		c.t.Fatalf("full state: %v", err)
	}
}

func (c *mirrorClient) applyPatch() []schema.DataChange {
	c.t.Helper()
	f := c.expect(KindPatch)
	changes, err := c.dec.Decode(f.Data)
	if err != nil {
		c.t.Fatalf("patch: %v", err)
	}
	return changes
}

// pipeMember creates a session on the server end of a memory pipe.
func pipeMember(id string) (*Session, *memory.Peer) {
	client, server := memory.Pipe(memory.Addr("server"))
	return newSession(id, server, BinaryCodec{}, JSONSerializer{}), client
}

// closeCode reads until the connection ends and returns its close code.
func (c *mirrorClient) closeCode() transport.CloseCode {
	c.t.Helper()
	for {
		if _, err := c.next(); err != nil {
			return transport.CodeOf(err)
		}
	}
}
