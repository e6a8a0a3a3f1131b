package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/server"
	"github.com/QYUbit/roomsync/pkg/transport"
	"github.com/QYUbit/roomsync/pkg/transport/memory"
)

const testTimeout = 2 * time.Second

var (
	testRegistry = schema.NewRegistry()
	testPlayer   = testRegistry.MustDefine("Player",
		schema.Prim("name", schema.String),
		schema.Prim("x", schema.Float64),
	)
	testState = testRegistry.MustDefine("State",
		schema.Prim("serverTime", schema.Uint32),
		schema.MapOfRefs("players", testPlayer),
	)
)

// scriptedServer plays the server side of a pipe frame by frame.
type scriptedServer struct {
	t     *testing.T
	peer  *memory.Peer
	codec server.BinaryCodec

	state *schema.Object
	enc   *schema.Encoder
}

func newScriptedServer(t *testing.T) (*scriptedServer, *memory.Peer) {
	client, srv := memory.Pipe(memory.Addr("script"))
	state := schema.New(testState)
	return &scriptedServer{
		t:     t,
		peer:  srv,
		state: state,
		enc:   schema.NewEncoder(state),
	}, client
}

func (s *scriptedServer) send(f server.Frame) {
	p, err := s.codec.Encode(f)
	if err != nil {
		s.t.Errorf("Encode: %v", err)
		return
	}
	if err := s.peer.WriteMessage(p); err != nil {
		s.t.Errorf("WriteMessage: %v", err)
	}
}

func (s *scriptedServer) read() server.Frame {
	p, err := s.peer.ReadMessage()
	if err != nil {
		s.t.Errorf("ReadMessage: %v", err)
		return server.Frame{}
	}
	f, err := s.codec.Decode(p)
	if err != nil {
		s.t.Errorf("Decode: %v", err)
	}
	return f
}

func (s *scriptedServer) snapshot() {
	hs, _ := server.Handshake{
		SessionID:  "s1",
		RoomID:     "r1",
		Reflection: schema.EncodeReflection(testRegistry, testState),
	}.MarshalBinary()
	s.send(server.Frame{Kind: server.KindHandshake, Room: "r1", Data: hs})

	full, err := s.enc.EncodeAll()
	if err != nil {
		s.t.Errorf("EncodeAll: %v", err)
	}
	s.send(server.Frame{Kind: server.KindFullState, Room: "r1", Data: full})
}

func (s *scriptedServer) patch() {
	p, err := s.enc.Encode()
	if err != nil {
		s.t.Errorf("Encode: %v", err)
	}
	s.enc.Discard()
	s.send(server.Frame{Kind: server.KindPatch, Room: "r1", Data: p})
}

func joinScripted(t *testing.T, s *scriptedServer, peer transport.Peer) *Client {
	t.Helper()

	go func() {
		if f := s.read(); f.Kind != server.KindJoin || f.Type != "arena" {
			t.Errorf("Expected join for arena, got %s %q", f.Kind, f.Type)
		}
		s.snapshot()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Join(ctx, peer, JoinOptions{RoomType: "arena"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return c
}

func run(t *testing.T, c *Client) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return done
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestJoinBuildsMirror(t *testing.T) {
	s, peer := newScriptedServer(t)
	s.state.Set("serverTime", 12)

	c := joinScripted(t, s, peer)

	if c.SessionID() != "s1" || c.RoomID() != "r1" {
		t.Errorf("Expected s1 in r1, got %s in %s", c.SessionID(), c.RoomID())
	}
	if got := c.State().Uint64("serverTime"); got != 12 {
		t.Errorf("Expected serverTime 12, got %d", got)
	}
	if _, ok := c.Registry().Lookup("Player"); !ok {
		t.Errorf("Expected Player in the decoded registry")
	}
}

func TestPatchesReachObservers(t *testing.T) {
	s, peer := newScriptedServer(t)
	c := joinScripted(t, s, peer)

	added := make(chan string, 1)
	c.View(func(root *schema.Object) {
		root.Map("players").OnAdd(func(key string, _ any) {
			added <- key
		})
	})
	run(t, c)

	p := schema.New(testPlayer)
	p.Set("name", "bob")
	s.state.Map("players").Set("bob", p)
	s.patch()

	if key := wait(t, added); key != "bob" {
		t.Errorf("Expected bob, got %s", key)
	}
	c.View(func(root *schema.Object) {
		if name := root.Map("players").Object("bob").String("name"); name != "bob" {
			t.Errorf("Expected name bob, got %q", name)
		}
	})
}

func TestProtocolErrorRequestsResync(t *testing.T) {
	s, peer := newScriptedServer(t)
	c := joinScripted(t, s, peer)

	reset := make(chan uint64, 1)
	c.OnStateReset(func(root *schema.Object) {
		reset <- root.Uint64("serverTime")
	})
	run(t, c)

	// a reference the mirror never saw
	s.send(server.Frame{Kind: server.KindPatch, Room: "r1", Data: []byte{0xFF, 0x05, 0x00, 0x01}})

	if f := s.read(); f.Kind != server.KindResync || f.Room != "r1" {
		t.Fatalf("Expected resync for r1, got %s %q", f.Kind, f.Room)
	}
	if !c.Desynced() {
		t.Errorf("Expected client to be desynced")
	}

	// ignored while waiting for the full state
	s.state.Set("serverTime", 3)
	s.patch()

	s.state.Set("serverTime", 7)
	s.snapshot()

	if got := wait(t, reset); got != 7 {
		t.Errorf("Expected serverTime 7 after the reset, got %d", got)
	}
	if c.Desynced() {
		t.Errorf("Expected client to be in sync again")
	}
}

func TestJoinRejected(t *testing.T) {
	s, peer := newScriptedServer(t)

	go func() {
		f := s.read()
		s.send(server.Frame{Kind: server.KindError, Type: f.Type, Data: []byte("unknown room type")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := Join(ctx, peer, JoinOptions{RoomType: "nope"}); !errors.Is(err, ErrJoinRejected) {
		t.Errorf("Expected ErrJoinRejected, got %v", err)
	}
}

func TestJoinCanceled(t *testing.T) {
	_, peer := newScriptedServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Join(ctx, peer, JoinOptions{RoomType: "arena"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestLeaveCodeIsReported(t *testing.T) {
	s, peer := newScriptedServer(t)
	c := joinScripted(t, s, peer)

	codes := make(chan transport.CloseCode, 1)
	c.OnLeave(func(code transport.CloseCode) {
		codes <- code
	})
	done := run(t, c)

	s.peer.Close(transport.CloseKicked, "cheating")

	if code := wait(t, codes); code != transport.CloseKicked {
		t.Errorf("Expected kicked, got %s", code)
	}
	if err := wait(t, done); transport.CodeOf(err) != transport.CloseKicked {
		t.Errorf("Expected kicked close error, got %v", err)
	}
	if err := c.Send("late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMalformedFrameClosesWithProtocolError(t *testing.T) {
	s, peer := newScriptedServer(t)
	c := joinScripted(t, s, peer)

	codes := make(chan transport.CloseCode, 1)
	c.OnLeave(func(code transport.CloseCode) {
		codes <- code
	})
	done := run(t, c)

	if err := s.peer.WriteMessage([]byte{0xEE, 0x01}); err != nil {
		t.Fatal(err)
	}

	if err := wait(t, done); !errors.Is(err, server.ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame, got %v", err)
	}
	if code := wait(t, codes); code != transport.CloseProtocolError {
		t.Errorf("Expected protocol error leave, got %s", code)
	}
	if _, err := s.peer.ReadMessage(); transport.CodeOf(err) != transport.CloseProtocolError {
		t.Errorf("Expected the server side to see a protocol error close, got %v", err)
	}
	if err := c.Send("late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	s, peer := newScriptedServer(t)
	c := joinScripted(t, s, peer)

	got := make(chan string, 2)
	c.OnMessage("chat", func(typ string, payload []byte) {
		got <- "chat:" + string(payload)
	})
	c.OnMessage("*", func(typ string, payload []byte) {
		got <- "any:" + typ
	})
	run(t, c)

	s.send(server.Frame{Kind: server.KindMessage, Room: "r1", Type: "chat", Data: []byte("hi")})
	if v := wait(t, got); v != "chat:hi" {
		t.Errorf("Expected chat:hi, got %s", v)
	}
	if v := wait(t, got); v != "any:chat" {
		t.Errorf("Expected any:chat, got %s", v)
	}

	tests := []struct {
		payload any
		want    string
	}{
		{"raw", "raw"},
		{[]byte("bytes"), "bytes"},
		{map[string]int{"x": 1}, `{"x":1}`},
		{nil, ""},
	}
	for _, tt := range tests {
		if err := c.Send("move", tt.payload); err != nil {
			t.Fatal(err)
		}
		f := s.read()
		if f.Kind != server.KindMessage || f.Room != "r1" || f.Type != "move" || string(f.Data) != tt.want {
			t.Errorf("Expected move %q in r1, got %s %s %q in %q", tt.want, f.Kind, f.Type, f.Data, f.Room)
		}
	}
}

// arenaRoom is a minimal room for end-to-end tests.
type arenaRoom struct {
	server.BaseDefinition
}

func (arenaRoom) OnCreate(r *server.Room) error {
	r.SetState(testRegistry, schema.New(testState))
	server.Handle(r, "move", func(c *server.Context, x float64) error {
		return c.Room.State().Map("players").Object(c.Member.ID()).Set("x", x)
	})
	r.OnMessage("ping", func(c *server.Context, payload []byte) error {
		return c.Reply("pong", payload)
	})
	return nil
}

func (arenaRoom) OnJoin(r *server.Room, m *server.Session) error {
	p := schema.New(testPlayer)
	if err := p.Set("name", m.Identity()); err != nil {
		return err
	}
	return r.State().Map("players").Set(m.ID(), p)
}

func (arenaRoom) OnLeave(r *server.Room, m *server.Session, code transport.CloseCode) {
	r.State().Map("players").Delete(m.ID())
}

func TestAgainstServer(t *testing.T) {
	srv := server.NewServer(server.ServerConfig{})
	srv.Define("arena", func() server.RoomDefinition { return arenaRoom{} }, server.RoomOptions{
		SimulationInterval: time.Hour,
		PatchInterval:      5 * time.Millisecond,
	})

	tr := memory.NewTransport("arena")
	go srv.Serve(context.Background(), tr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	peer, err := tr.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Join(ctx, peer, JoinOptions{RoomType: "arena"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	moved := make(chan float64, 8)
	pong := make(chan string, 1)
	left := make(chan transport.CloseCode, 1)

	c.View(func(root *schema.Object) {
		player := root.Map("players").Object(c.SessionID())
		if player == nil {
			t.Fatalf("Expected own player in the full state")
		}
		if _, err := player.Listen("x", func(value, _ any) {
			moved <- value.(float64)
		}); err != nil {
			t.Fatal(err)
		}
	})
	c.OnMessage("pong", func(_ string, payload []byte) {
		pong <- string(payload)
	})
	c.OnLeave(func(code transport.CloseCode) {
		left <- code
	})
	done := run(t, c)

	if err := c.Send("ping", "hello"); err != nil {
		t.Fatal(err)
	}
	if got := wait(t, pong); got != "hello" {
		t.Errorf("Expected hello, got %s", got)
	}

	if err := c.Send("move", 4.5); err != nil {
		t.Fatal(err)
	}
	for wait(t, moved) != 4.5 {
	}

	if err := c.Leave(); err != nil {
		t.Fatal(err)
	}
	if code := wait(t, left); code != transport.CloseNormal {
		t.Errorf("Expected normal close, got %s", code)
	}
	if err := wait(t, done); err != nil {
		t.Errorf("Expected Run to end without error, got %v", err)
	}
}
