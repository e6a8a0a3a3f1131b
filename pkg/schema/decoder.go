package schema

import (
	"errors"
	"fmt"
	"math"

	"github.com/QYUbit/roomsync/pkg/wire"
)

var errUnknownIndex = errors.New("unknown index")

type refEntry struct {
	node  Ref
	count int
}

// Decoder applies patches to a mirror of an encoder's state. A patch is
// either applied completely or the decoder turns desynchronized and refuses
// further patches until Reset.
type Decoder struct {
	root     *Object
	refs     map[uint64]*refEntry
	desynced bool

	changes []DataChange
	garbage []uint64
	trace   func(refID uint64, op Operation, index int)
}

func NewDecoder(root *Object) *Decoder {
	d := &Decoder{}
	d.Reset(root)
	return d
}

// Reset installs a fresh mirror root and forgets every reference.
func (d *Decoder) Reset(root *Object) {
	root.ct.refID = 0
	root.ct.hasRefID = true
	d.root = root
	d.refs = map[uint64]*refEntry{0: {node: root, count: 1}}
	d.desynced = false
	d.changes = nil
	d.garbage = nil
}

func (d *Decoder) Root() *Object {
	return d.root
}

// Desynced reports whether a patch failed and the mirror can no longer be
// trusted.
func (d *Decoder) Desynced() bool {
	return d.desynced
}

// RefCount returns the number of nodes currently known to the mirror.
func (d *Decoder) RefCount() int {
	return len(d.refs)
}

// SetTrace registers fn to see every entry read from a patch.
func (d *Decoder) SetTrace(fn func(refID uint64, op Operation, index int)) {
	d.trace = fn
}

// Decode applies patch and fires the observers of every changed node.
func (d *Decoder) Decode(patch []byte) ([]DataChange, error) {
	if d.desynced {
		return nil, ErrDesynced
	}

	d.changes = nil
	d.garbage = d.garbage[:0]

	if err := d.apply(wire.NewBufferFrom(patch)); err != nil {
		d.desynced = true
		d.changes = nil
		return nil, err
	}

	d.collect()

	changes := d.changes
	d.changes = nil
	d.dispatch(changes)
	return changes, nil
}

func (d *Decoder) apply(buf *wire.Buffer) error {
	var (
		cur   Ref
		curID uint64
	)

	for buf.Remaining() > 0 {
		b, err := buf.ReadByte()
		if err != nil {
			return protocolErr("truncated patch", err)
		}

		if b == switchToRef {
			id, err := buf.ReadUvarint()
			if err != nil {
				return protocolErr("truncated reference id", err)
			}
			e, ok := d.refs[id]
			if !ok {
				return &ProtocolError{RefID: id, Index: -1, Reason: "reference was never established"}
			}
			cur, curID = e.node, id
			continue
		}

		if cur == nil {
			return protocolErr("entry before first reference", nil)
		}

		op := Operation(b)
		if !op.valid() {
			return &ProtocolError{RefID: curID, Index: -1, Reason: fmt.Sprintf("unknown operation %#x", b)}
		}

		idx, err := buf.ReadUvarint()
		if err != nil {
			return &ProtocolError{RefID: curID, Index: -1, Reason: "truncated index", Err: err}
		}
		if idx > math.MaxInt32 {
			return &ProtocolError{RefID: curID, Index: -1, Reason: "index out of range"}
		}

		if d.trace != nil {
			d.trace(curID, op, int(idx))
		}

		if err := cur.decodeEntry(d, buf, op, int(idx)); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return pe
			}
			return &ProtocolError{RefID: curID, Index: int(idx), Reason: op.String(), Err: err}
		}
	}
	return nil
}

// readRef resolves a reference id, creating the mirror node the first time
// the id shows up.
func (d *Decoder) readRef(buf *wire.Buffer, kind, elem WireType, ref *Type) (Ref, error) {
	id, err := buf.ReadUvarint()
	if err != nil {
		return nil, err
	}

	if e, ok := d.refs[id]; ok {
		if !matchesKind(e.node, kind, ref) {
			return nil, &ProtocolError{RefID: id, Index: -1, Reason: fmt.Sprintf("reference is not a %s", kind)}
		}
		return e.node, nil
	}
	if id == 0 {
		return nil, &ProtocolError{RefID: id, Index: -1, Reason: "root cannot be nested"}
	}

	var n Ref
	switch kind {
	case RefType:
		n = NewMirror(ref)
	case MapType:
		n = newMap(elem, ref)
	case ArrayType:
		n = newArray(elem, ref)
	default:
		return nil, fmt.Errorf("%w: %s is not a reference type", ErrTypeMismatch, kind)
	}

	t := n.tree()
	t.refID = id
	t.hasRefID = true
	d.refs[id] = &refEntry{node: n}
	return n, nil
}

func matchesKind(n Ref, kind WireType, ref *Type) bool {
	switch v := n.(type) {
	case *Object:
		return kind == RefType && v.typ == ref
	case *Map:
		return kind == MapType
	case *Array:
		return kind == ArrayType
	}
	return false
}

func (d *Decoder) retain(v any) {
	n, ok := v.(Ref)
	if !ok {
		return
	}
	if e, ok := d.refs[n.tree().refID]; ok && e.node == n {
		e.count++
	}
}

func (d *Decoder) release(v any) {
	n, ok := v.(Ref)
	if !ok {
		return
	}
	id := n.tree().refID
	if e, ok := d.refs[id]; ok && e.node == n {
		e.count--
		if e.count <= 0 {
			d.garbage = append(d.garbage, id)
		}
	}
}

func (d *Decoder) record(c DataChange) {
	d.changes = append(d.changes, c)
}

// collect drops nodes that lost their last reference, together with the
// children only they were holding.
func (d *Decoder) collect() {
	for i := 0; i < len(d.garbage); i++ {
		id := d.garbage[i]
		if id == 0 {
			continue
		}
		e, ok := d.refs[id]
		if !ok || e.count > 0 {
			continue
		}
		delete(d.refs, id)
		e.node.dispose()
		e.node.eachChild(func(_ int, child Ref) {
			d.release(child)
		})
	}
	d.garbage = d.garbage[:0]
}

func (d *Decoder) dispatch(changes []DataChange) {
	var (
		order   []*Object
		grouped = make(map[*Object][]DataChange)
	)

	for _, c := range changes {
		switch n := c.Ref.(type) {
		case *Object:
			if _, ok := grouped[n]; !ok {
				order = append(order, n)
			}
			grouped[n] = append(grouped[n], c)
			n.fireField(c)
		case *Map:
			n.subs.fire(c.Op, c.Key, c.Value, c.Previous)
		case *Array:
			n.subs.fire(c.Op, c.Index, c.Value, c.Previous)
		}
	}

	for _, o := range order {
		group := grouped[o]
		o.onChange.each(func(fn func([]DataChange)) { fn(group) })
	}
}
