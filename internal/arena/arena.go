// Package arena is the room the arena binaries run: every member owns one
// player that moves inside a bounded box.
package arena

import (
	"fmt"
	"math"
	"time"

	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/server"
	"github.com/QYUbit/roomsync/pkg/transport"
)

const RoomType = "arena"

// Bounds of the playing field on every axis.
const (
	MinCoord = -1000.0
	MaxCoord = 1000.0
)

var spawn = Position{X: 100, Y: 100}

var (
	Registry = schema.NewRegistry()
	Player   = Registry.MustDefine("Player",
		schema.Prim("name", schema.String),
		schema.Prim("x", schema.Float64),
		schema.Prim("y", schema.Float64),
		schema.Prim("z", schema.Float64),
	)
	State = Registry.MustDefine("ArenaState",
		schema.Prim("serverTime", schema.Uint32),
		schema.MapOfRefs("players", Player),
	)
)

// Position is the payload of a "move" message.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) clamp() Position {
	return Position{clamp(p.X), clamp(p.Y), clamp(p.Z)}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(MinCoord, math.Min(MaxCoord, v))
}

// ChatMessage is relayed to every other member.
type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Room implements server.RoomDefinition.
type Room struct {
	server.BaseDefinition
}

func New() server.RoomDefinition {
	return &Room{}
}

func (a *Room) OnCreate(r *server.Room) error {
	r.SetState(Registry, schema.New(State))

	server.Handle(r, "move", a.move)
	server.Handle(r, "chat", a.chat)
	return nil
}

func (a *Room) OnJoin(r *server.Room, m *server.Session) error {
	p := schema.New(Player)
	if err := p.Set("name", m.Identity()); err != nil {
		return err
	}
	if err := setPosition(p, spawn); err != nil {
		return err
	}
	return r.State().Map("players").Set(m.ID(), p)
}

func (a *Room) OnLeave(r *server.Room, m *server.Session, code transport.CloseCode) {
	r.State().Map("players").Delete(m.ID())
}

func (a *Room) OnTick(r *server.Room, dt time.Duration) error {
	st := r.State()
	return st.Set("serverTime", uint32(st.Uint64("serverTime"))+1)
}

func (a *Room) move(c *server.Context, pos Position) error {
	p := c.Room.State().Map("players").Object(c.Member.ID())
	if p == nil {
		return fmt.Errorf("no player for %s", c.Member.ID())
	}
	return setPosition(p, pos.clamp())
}

func (a *Room) chat(c *server.Context, msg ChatMessage) error {
	msg.From = c.Member.Identity()
	return c.Room.BroadcastExcept("chat", msg, c.Member)
}

func setPosition(p *schema.Object, pos Position) error {
	// unchanged coordinates stay out of the patch
	for _, f := range []struct {
		name string
		v    float64
	}{{"x", pos.X}, {"y", pos.Y}, {"z", pos.Z}} {
		if cur, ok := p.Get(f.name).(float64); ok && cur == f.v {
			continue
		}
		if err := p.Set(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}
