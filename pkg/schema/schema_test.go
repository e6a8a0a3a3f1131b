package schema

import (
	"errors"
	"reflect"
	"testing"
)

type testSchema struct {
	reg    *Registry
	stats  *Type
	player *Type
	state  *Type
}

func newTestSchema() testSchema {
	reg := NewRegistry()
	stats := reg.MustDefine("Stats",
		Prim("hp", Int32),
		Prim("speed", Float32),
	)
	player := reg.MustDefine("Player",
		Prim("name", String),
		Prim("x", Float64),
		Prim("y", Float64),
		Prim("z", Float64),
		RefTo("stats", stats),
		ArrayOf("tags", String),
	)
	state := reg.MustDefine("State",
		Prim("serverTime", Uint32),
		MapOfRefs("players", player),
		ArrayOf("log", String),
		Prim("mode", String),
	)
	return testSchema{reg: reg, stats: stats, player: player, state: state}
}

type traced struct {
	ref   uint64
	op    Operation
	index int
}

func mustSet(t *testing.T, o *Object, name string, v any) {
	t.Helper()
	if err := o.Set(name, v); err != nil {
		t.Fatalf("Set(%q, %v): %v", name, v, err)
	}
}

// syncOnce encodes pending changes, flushes them and applies them to dec.
func syncOnce(t *testing.T, enc *Encoder, dec *Decoder) []DataChange {
	t.Helper()
	patch, err := enc.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	enc.Discard()
	if patch == nil {
		return nil
	}
	changes, err := dec.Decode(patch)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return changes
}

func assertMirror(t *testing.T, want, got *Object) {
	t.Helper()
	w, g := Plain(want), Plain(got)
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("Mirror differs\nwant: %#v\ngot:  %#v", w, g)
	}
}

func newPlayer(t *testing.T, s testSchema, name string, x, y, z float64) *Object {
	t.Helper()
	p := New(s.player)
	mustSet(t, p, "name", name)
	mustSet(t, p, "x", x)
	mustSet(t, p, "y", y)
	mustSet(t, p, "z", z)
	return p
}

func TestRoundTrip(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	mustSet(t, root, "serverTime", 1)
	mustSet(t, root, "mode", "lobby")

	p1 := newPlayer(t, s, "ada", 1, 2, 3)
	st := New(s.stats)
	mustSet(t, st, "hp", 100)
	mustSet(t, st, "speed", 1.5)
	mustSet(t, p1, "stats", st)
	if err := p1.Array("tags").Push("admin"); err != nil {
		t.Fatal(err)
	}
	if err := root.Map("players").Set("p1", p1); err != nil {
		t.Fatal(err)
	}
	if err := root.Array("log").Push("ada joined"); err != nil {
		t.Fatal(err)
	}

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())

	p2 := newPlayer(t, s, "bob", -1, 0, 4)
	if err := root.Map("players").Set("p2", p2); err != nil {
		t.Fatal(err)
	}
	mustSet(t, root, "serverTime", 2)
	mustSet(t, p1, "x", 10.5)
	mustSet(t, st, "hp", 90)
	if err := root.Array("log").Push("bob joined"); err != nil {
		t.Fatal(err)
	}
	if err := root.Delete("mode"); err != nil {
		t.Fatal(err)
	}

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())

	root.Map("players").Delete("p1")
	if err := root.Array("log").RemoveAt(0); err != nil {
		t.Fatal(err)
	}
	mustSet(t, p2, "name", "bobby")

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())

	// p1 and its stats are gone from the mirror's reference table:
	// root, players, log, p2, p2.tags
	if got := dec.RefCount(); got != 5 {
		t.Errorf("Expected 5 live references, got %d", got)
	}

	fresh := NewDecoder(NewMirror(s.state))
	full, err := enc.EncodeAll()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fresh.Decode(full); err != nil {
		t.Fatalf("Decode full state: %v", err)
	}
	assertMirror(t, root, fresh.Root())
}

func TestIdempotentFlush(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)

	mustSet(t, root, "serverTime", 7)

	patch, err := enc.Encode()
	if err != nil || patch == nil {
		t.Fatalf("Expected a patch, got %v (%v)", patch, err)
	}
	enc.Discard()
	enc.Discard()

	patch, err = enc.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if patch != nil {
		t.Errorf("Expected empty patch after flush, got %d bytes", len(patch))
	}
	if Tree(root).Dirty() {
		t.Error("Expected root to be clean after flush")
	}

	mustSet(t, root, "serverTime", 7)
	if patch, _ := enc.Encode(); patch != nil {
		t.Errorf("Expected setting the same value to produce no patch, got %d bytes", len(patch))
	}
}

func TestDeleteThenAddCollapses(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	mustSet(t, root, "mode", "lobby")
	syncOnce(t, enc, dec)

	var calls []any
	if _, err := dec.Root().Listen("mode", func(value, previous any) {
		calls = append(calls, value)
	}); err != nil {
		t.Fatal(err)
	}

	if err := root.Delete("mode"); err != nil {
		t.Fatal(err)
	}
	mustSet(t, root, "mode", "battle")

	modeIdx, _ := s.state.FieldIndex("mode")
	if op := Tree(root).Pending()[modeIdx]; op != OpDeleteAndAdd {
		t.Fatalf("Expected pending %s, got %s", OpDeleteAndAdd, op)
	}

	var entries []traced
	dec.SetTrace(func(ref uint64, op Operation, index int) {
		entries = append(entries, traced{ref, op, index})
	})
	syncOnce(t, enc, dec)

	want := []traced{{0, OpDeleteAndAdd, modeIdx}}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("Expected entries %v, got %v", want, entries)
	}
	if got := dec.Root().String("mode"); got != "battle" {
		t.Errorf("Expected mode battle, got %q", got)
	}
	if len(calls) != 1 || calls[0] != "battle" {
		t.Errorf("Expected one listener call with battle, got %v", calls)
	}
}

func TestDeleteAddDeleteIsLastWriteWins(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	mustSet(t, root, "mode", "lobby")
	syncOnce(t, enc, dec)

	_ = root.Delete("mode")
	mustSet(t, root, "mode", "battle")
	_ = root.Delete("mode")

	modeIdx, _ := s.state.FieldIndex("mode")
	if op := Tree(root).Pending()[modeIdx]; op != OpDelete {
		t.Fatalf("Expected pending %s, got %s", OpDelete, op)
	}

	syncOnce(t, enc, dec)
	if dec.Root().Has("mode") {
		t.Errorf("Expected mode to be deleted, got %v", dec.Root().Get("mode"))
	}
}

func TestAddThenDeleteRecordsDelete(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	mustSet(t, root, "mode", "lobby")
	_ = root.Delete("mode")

	modeIdx, _ := s.state.FieldIndex("mode")
	if op := Tree(root).Pending()[modeIdx]; op != OpDelete {
		t.Fatalf("Expected pending %s, got %s", OpDelete, op)
	}

	// the receiver never saw mode and ignores the delete
	syncOnce(t, enc, dec)
	if dec.Root().Has("mode") {
		t.Errorf("Expected mode to be absent, got %v", dec.Root().Get("mode"))
	}
}

func TestAncestorPropagation(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	p := newPlayer(t, s, "ada", 0, 0, 0)
	st := New(s.stats)
	mustSet(t, st, "hp", 100)
	mustSet(t, p, "stats", st)
	players := root.Map("players")
	if err := players.Set("p1", p); err != nil {
		t.Fatal(err)
	}
	syncOnce(t, enc, dec)

	mustSet(t, st, "hp", 42)

	playersIdx, _ := s.state.FieldIndex("players")
	statsIdx, _ := s.player.FieldIndex("stats")
	hpIdx, _ := s.stats.FieldIndex("hp")
	entryIdx, _ := players.IndexOf("p1")

	checks := []struct {
		name  string
		node  Ref
		index int
		want  Operation
	}{
		{"root", root, playersIdx, OpTouch},
		{"players", players, entryIdx, OpTouch},
		{"player", p, statsIdx, OpTouch},
		{"stats", st, hpIdx, OpReplace},
	}
	for _, c := range checks {
		if !Tree(c.node).Dirty() {
			t.Errorf("Expected %s to be dirty", c.name)
		}
		if op, ok := Tree(c.node).Pending()[c.index]; !ok || op != c.want {
			t.Errorf("Expected %s to have %s at %d, got %s (%v)", c.name, c.want, c.index, op, ok)
		}
	}

	var entries []traced
	dec.SetTrace(func(ref uint64, op Operation, index int) {
		entries = append(entries, traced{ref, op, index})
	})
	syncOnce(t, enc, dec)

	playersRef, _ := Tree(players).RefID()
	playerRef, _ := Tree(p).RefID()
	statsRef, _ := Tree(st).RefID()
	want := []traced{
		{0, OpTouch, playersIdx},
		{playersRef, OpTouch, entryIdx},
		{playerRef, OpTouch, statsIdx},
		{statsRef, OpReplace, hpIdx},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("Expected entries %v, got %v", want, entries)
	}

	hp := dec.Root().Map("players").Object("p1").Object("stats").Int64("hp")
	if hp != 42 {
		t.Errorf("Expected mirrored hp 42, got %d", hp)
	}
}

func TestArrayIndexStability(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))
	log := root.Array("log")

	for _, v := range []string{"A", "B", "C"} {
		if err := log.Push(v); err != nil {
			t.Fatal(err)
		}
	}
	for pos, want := range []int{0, 1, 2} {
		if got, _ := log.IndexOf(pos); got != want {
			t.Fatalf("Expected wire index %d at %d, got %d", want, pos, got)
		}
	}

	if err := log.RemoveAt(1); err != nil {
		t.Fatal(err)
	}
	if err := log.Push("D"); err != nil {
		t.Fatal(err)
	}
	if got, _ := log.IndexOf(2); got != 3 {
		t.Errorf("Expected D to get wire index 3, got %d", got)
	}

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())

	// after a flush the counter still moves forward
	if err := log.RemoveAt(0); err != nil {
		t.Fatal(err)
	}
	if err := log.Push("E"); err != nil {
		t.Fatal(err)
	}
	pending := Tree(log).Pending()
	want := map[int]Operation{0: OpDelete, 4: OpAdd}
	if !reflect.DeepEqual(pending, want) {
		t.Errorf("Expected pending %v, got %v", want, pending)
	}

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())
	if got := Plain(dec.Root().Array("log")); !reflect.DeepEqual(got, []any{"C", "D", "E"}) {
		t.Errorf("Expected [C D E], got %v", got)
	}
}

func TestArrayClearRestartsIndicesAfterFlush(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))
	log := root.Array("log")

	_ = log.Push("A")
	_ = log.Push("B")
	syncOnce(t, enc, dec)

	log.Clear()
	syncOnce(t, enc, dec)

	_ = log.Push("C")
	if got, _ := log.IndexOf(0); got != 0 {
		t.Errorf("Expected wire index 0 after clear, got %d", got)
	}
	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())
}

func TestMapReAddUsesFreshIndex(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))
	players := root.Map("players")

	_ = players.Set("p1", newPlayer(t, s, "ada", 1, 1, 1))
	syncOnce(t, enc, dec)
	oldIdx, _ := players.IndexOf("p1")

	var added, removed []string
	dec.Root().Map("players").OnAdd(func(key string, value any) { added = append(added, key) })
	dec.Root().Map("players").OnRemove(func(key string, value any) { removed = append(removed, key) })

	players.Delete("p1")
	_ = players.Set("p1", newPlayer(t, s, "ada2", 2, 2, 2))
	newIdx, _ := players.IndexOf("p1")
	if newIdx == oldIdx {
		t.Fatalf("Expected a fresh index, got %d again", newIdx)
	}

	syncOnce(t, enc, dec)
	assertMirror(t, root, dec.Root())

	if !reflect.DeepEqual(added, []string{"p1"}) || !reflect.DeepEqual(removed, []string{"p1"}) {
		t.Errorf("Expected one remove and one add, got added=%v removed=%v", added, removed)
	}
	if got := dec.Root().Map("players").Object("p1").String("name"); got != "ada2" {
		t.Errorf("Expected ada2, got %q", got)
	}
}

func TestObserversFireOnceAfterDecode(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))

	p := newPlayer(t, s, "ada", 0, 0, 0)
	serverCalls := 0
	p.OnChange(func([]DataChange) { serverCalls++ })

	_ = root.Map("players").Set("p1", p)
	syncOnce(t, enc, dec)

	mirror := dec.Root().Map("players").Object("p1")
	var groups [][]DataChange
	unsubscribe := mirror.OnChange(func(changes []DataChange) {
		groups = append(groups, changes)
	})
	entryChanges := 0
	dec.Root().Map("players").OnChange(func(string, any) { entryChanges++ })

	mustSet(t, p, "x", 1.0)
	mustSet(t, p, "y", 2.0)
	mustSet(t, p, "z", 3.0)
	syncOnce(t, enc, dec)

	if serverCalls != 0 {
		t.Errorf("Expected no observer calls on the authoritative side, got %d", serverCalls)
	}
	if len(groups) != 1 {
		t.Fatalf("Expected exactly one OnChange call, got %d", len(groups))
	}
	if len(groups[0]) != 3 {
		t.Errorf("Expected 3 field changes, got %d", len(groups[0]))
	}
	if entryChanges != 0 {
		t.Errorf("Expected no entry replacement, got %d", entryChanges)
	}
	if mirror.Float64("x") != 1 || mirror.Float64("y") != 2 || mirror.Float64("z") != 3 {
		t.Errorf("Expected (1,2,3), got %v", Plain(mirror))
	}

	unsubscribe()
	mustSet(t, p, "x", 5.0)
	syncOnce(t, enc, dec)
	if len(groups) != 1 {
		t.Errorf("Expected no calls after unsubscribe, got %d", len(groups))
	}
}

func TestFullStateThenPendingPatch(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	early := NewDecoder(NewMirror(s.state))

	_ = root.Map("players").Set("p1", newPlayer(t, s, "ada", 1, 1, 1))
	_ = root.Array("log").Push("a")
	syncOnce(t, enc, early)

	// changes pending while a newcomer receives the full state
	_ = root.Map("players").Set("p2", newPlayer(t, s, "bob", 2, 2, 2))
	root.Map("players").Delete("p1")
	_ = root.Array("log").Push("b")
	mustSet(t, root, "serverTime", 9)

	late := NewDecoder(NewMirror(s.state))
	full, err := enc.EncodeAll()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := late.Decode(full); err != nil {
		t.Fatalf("Decode full state: %v", err)
	}

	patch, err := enc.Encode()
	if err != nil {
		t.Fatal(err)
	}
	enc.Discard()

	for name, dec := range map[string]*Decoder{"early": early, "late": late} {
		if _, err := dec.Decode(patch); err != nil {
			t.Fatalf("%s: Decode: %v", name, err)
		}
		assertMirror(t, root, dec.Root())
	}
}

func TestReattachedNodeGetsNewIdentity(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	dec := NewDecoder(NewMirror(s.state))
	players := root.Map("players")

	p := newPlayer(t, s, "ada", 1, 2, 3)
	_ = players.Set("p1", p)
	syncOnce(t, enc, dec)
	oldRef, _ := Tree(p).RefID()

	players.Delete("p1")
	syncOnce(t, enc, dec)

	_ = players.Set("again", p)
	syncOnce(t, enc, dec)

	newRef, _ := Tree(p).RefID()
	if newRef == oldRef {
		t.Errorf("Expected a new reference id, got %d twice", newRef)
	}
	assertMirror(t, root, dec.Root())
}

func TestProtocolErrors(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)

	full, _ := enc.EncodeAll()
	playersRef, _ := Tree(root.Map("players")).RefID()

	tests := []struct {
		name  string
		patch []byte
	}{
		{"unknown field index", []byte{switchToRef, 0, byte(OpReplace), 99}},
		{"unknown reference", []byte{switchToRef, 42, byte(OpTouch), 0}},
		{"entry before reference", []byte{byte(OpTouch), 0}},
		{"unknown operation", []byte{switchToRef, 0, 0x33, 0}},
		{"truncated value", []byte{switchToRef, 0, byte(OpReplace), 0, 0x01}},
		{"replace of unknown map index", []byte{switchToRef, byte(playersRef), byte(OpReplace), 5, 0}},
		{"touch of unknown map index", []byte{switchToRef, byte(playersRef), byte(OpTouch), 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(NewMirror(s.state))
			if _, err := dec.Decode(full); err != nil {
				t.Fatalf("Decode full state: %v", err)
			}

			_, err := dec.Decode(tt.patch)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("Expected protocol error, got %v", err)
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Expected *ProtocolError, got %T", err)
			}
			if !dec.Desynced() {
				t.Error("Expected decoder to be desynced")
			}
			if _, err := dec.Decode(full); !errors.Is(err, ErrDesynced) {
				t.Errorf("Expected ErrDesynced, got %v", err)
			}

			dec.Reset(NewMirror(s.state))
			if _, err := dec.Decode(full); err != nil {
				t.Errorf("Expected decode after reset to succeed, got %v", err)
			}
		})
	}
}

func TestDeleteOfUnknownIndexIsTolerated(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	enc := NewEncoder(root)
	full, _ := enc.EncodeAll()
	playersRef, _ := Tree(root.Map("players")).RefID()

	dec := NewDecoder(NewMirror(s.state))
	if _, err := dec.Decode(full); err != nil {
		t.Fatal(err)
	}
	patch := []byte{
		switchToRef, byte(playersRef), byte(OpDelete), 12,
		switchToRef, 0, byte(OpDelete), 3,
	}
	if _, err := dec.Decode(patch); err != nil {
		t.Errorf("Expected deletes of absent values to be tolerated, got %v", err)
	}
}

func TestSetValidation(t *testing.T) {
	s := newTestSchema()
	p := New(s.player)
	st := New(s.stats)

	tests := []struct {
		name  string
		obj   *Object
		field string
		value any
		want  error
	}{
		{"unknown field", p, "nope", 1, ErrUnknownField},
		{"string for float", p, "x", "far", ErrTypeMismatch},
		{"float for int", st, "hp", 1.5, ErrTypeMismatch},
		{"int32 overflow", st, "hp", int64(1) << 40, ErrTypeMismatch},
		{"wrong ref type", p, "stats", New(s.player), ErrTypeMismatch},
		{"container field", p, "tags", "x", ErrContainerField},
		{"int for float", p, "x", 3, nil},
		{"uint for int", st, "hp", uint8(7), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obj.Set(tt.field, tt.value)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := p.Delete("name"); err != nil {
		t.Errorf("Expected delete of unset field to be a no-op, got %v", err)
	}
	if root := New(s.state); root.Map("players").Delete("missing") {
		t.Error("Expected delete of missing key to report false")
	}
}

func TestRelease(t *testing.T) {
	s := newTestSchema()
	root := New(s.state)
	p := newPlayer(t, s, "ada", 0, 0, 0)
	_ = root.Map("players").Set("p1", p)

	Release(root)

	for name, n := range map[string]Ref{"root": root, "players": root.Map("players"), "player": p} {
		tr := Tree(n)
		if tr.Dirty() || len(tr.Pending()) != 0 || len(tr.parents) != 0 {
			t.Errorf("Expected %s to be released, got dirty=%v pending=%v parents=%d",
				name, tr.Dirty(), tr.Pending(), len(tr.parents))
		}
	}
}
