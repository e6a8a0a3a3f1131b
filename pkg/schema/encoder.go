package schema

import (
	"github.com/QYUbit/roomsync/pkg/wire"
)

// Encoder turns the pending changes below a root object into patches.
// Reference ids are scoped to the encoder: the root is 0, every other node
// gets the next id the first time it is written.
type Encoder struct {
	root   *Object
	nextID uint64

	visited []*ChangeTree
	seen    map[*ChangeTree]struct{}
}

func NewEncoder(root *Object) *Encoder {
	root.ct.refID = 0
	root.ct.hasRefID = true
	return &Encoder{
		root:   root,
		nextID: 1,
		seen:   make(map[*ChangeTree]struct{}),
	}
}

// Root returns the encoded state.
func (e *Encoder) Root() *Object {
	return e.root
}

// Encode returns a patch of everything that changed since the last Discard,
// or nil if nothing did.
func (e *Encoder) Encode() ([]byte, error) {
	return e.encode(false)
}

// EncodeAll returns a patch that adds every value currently in the tree.
// It leaves pending changes untouched.
func (e *Encoder) EncodeAll() ([]byte, error) {
	return e.encode(true)
}

// Discard flushes every node written by the last Encode.
func (e *Encoder) Discard() {
	for _, t := range e.visited {
		t.Flush(true, false)
	}
	e.visited = e.visited[:0]
}

func (e *Encoder) encode(full bool) ([]byte, error) {
	if !full {
		e.visited = e.visited[:0]
	}
	clear(e.seen)

	buf := wire.NewBuffer()
	if err := e.walk(buf, e.root, full, 0); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}

func (e *Encoder) walk(buf *wire.Buffer, n Ref, full bool, depth int) error {
	if depth >= maxPropagationDepth {
		return nil
	}

	t := n.tree()
	if _, ok := e.seen[t]; ok {
		return nil
	}
	e.seen[t] = struct{}{}

	var indices []int
	if full {
		indices = t.allIndices()
	} else {
		indices = t.pendingIndices()
	}
	if len(indices) == 0 {
		return nil
	}
	if !full {
		e.visited = append(e.visited, t)
	}

	buf.WriteByte(switchToRef)
	buf.WriteUvarint(e.refID(n))

	for _, i := range indices {
		op := OpAdd
		if !full {
			op = t.changes[i]
		}
		buf.WriteByte(byte(op))
		buf.WriteUvarint(uint64(i))

		if !op.carriesValue() {
			continue
		}
		if err := n.encodeValue(e, buf, i, op); err != nil {
			return err
		}
	}

	for _, i := range indices {
		if !full && t.changes[i] == OpDelete {
			continue
		}
		child, ok := n.childAt(i)
		if !ok {
			continue
		}
		if err := e.walk(buf, child, full, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) refID(n Ref) uint64 {
	t := n.tree()
	if !t.hasRefID {
		t.refID = e.nextID
		t.hasRefID = true
		e.nextID++
	}
	return t.refID
}
