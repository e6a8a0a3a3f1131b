package schema

import (
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/QYUbit/roomsync/pkg/wire"
)

type arrayEntry struct {
	index int
	value any
}

// Array is a replicated list. Positions are what callers index by; every
// element also carries a wire index that stays fixed until it is removed.
type Array struct {
	elem WireType
	ref  *Type

	items   []*arrayEntry
	byIndex map[int]*arrayEntry
	next    int
	cleared bool

	ct   *ChangeTree
	subs collectionSubs[int]
}

func newArray(elem WireType, ref *Type) *Array {
	a := &Array{
		elem:    elem,
		ref:     ref,
		byIndex: make(map[int]*arrayEntry),
	}
	a.ct = newChangeTree(a)
	return a
}

func (a *Array) tree() *ChangeTree { return a.ct }

func (a *Array) Len() int {
	return len(a.items)
}

// At returns the element at position pos.
func (a *Array) At(pos int) (any, bool) {
	if pos < 0 || pos >= len(a.items) {
		return nil, false
	}
	return a.items[pos].value, true
}

// IndexOf returns the wire index of the element at position pos.
func (a *Array) IndexOf(pos int) (int, bool) {
	if pos < 0 || pos >= len(a.items) {
		return -1, false
	}
	return a.items[pos].index, true
}

// All iterates positions and elements in order.
func (a *Array) All() iter.Seq2[int, any] {
	return func(yield func(int, any) bool) {
		for pos, e := range slices.Clone(a.items) {
			if !yield(pos, e.value) {
				return
			}
		}
	}
}

// Push appends v under a fresh wire index.
func (a *Array) Push(v any) error {
	nv, err := normalize(a.elem, a.ref, v)
	if err != nil {
		return fmt.Errorf("array push: %w", err)
	}

	e := &arrayEntry{index: a.next, value: nv}
	a.next++
	a.items = append(a.items, e)
	a.byIndex[e.index] = e

	if child, ok := nv.(Ref); ok {
		child.tree().attach(a.ct, e.index)
	}
	a.ct.MarkChanged(e.index, OpAdd)
	return nil
}

// SetAt replaces the element at position pos, keeping its wire index.
func (a *Array) SetAt(pos int, v any) error {
	if pos < 0 || pos >= len(a.items) {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, len(a.items))
	}
	nv, err := normalize(a.elem, a.ref, v)
	if err != nil {
		return fmt.Errorf("array[%d]: %w", pos, err)
	}

	e := a.items[pos]
	if e.value == nv {
		return nil
	}
	if old, ok := e.value.(Ref); ok {
		old.tree().detach(a.ct, e.index)
	}
	if child, ok := nv.(Ref); ok {
		child.tree().attach(a.ct, e.index)
	}
	e.value = nv
	a.ct.MarkChanged(e.index, OpReplace)
	return nil
}

// RemoveAt deletes the element at position pos. Later elements move up one
// position but keep their wire indices.
func (a *Array) RemoveAt(pos int) error {
	if pos < 0 || pos >= len(a.items) {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, len(a.items))
	}
	e := a.items[pos]
	a.items = slices.Delete(a.items, pos, pos+1)
	delete(a.byIndex, e.index)
	a.ct.MarkDeleted(e.index, e.value)
	return nil
}

func (a *Array) Clear() {
	for len(a.items) > 0 {
		_ = a.RemoveAt(len(a.items) - 1)
	}
	a.cleared = true
}

// ==============================================
// Observers
// ==============================================

// OnAdd, OnRemove and OnChange pass the wire index of the element.
func (a *Array) OnAdd(fn func(index int, value any)) (unsubscribe func()) {
	return a.subs.onAdd.add(fn)
}

func (a *Array) OnRemove(fn func(index int, value any)) (unsubscribe func()) {
	return a.subs.onRemove.add(fn)
}

func (a *Array) OnChange(fn func(index int, value any)) (unsubscribe func()) {
	return a.subs.onChange.add(fn)
}

func (a *Array) dispose() {
	a.subs.clear()
}

// ==============================================
// Codec
// ==============================================

func (a *Array) childAt(i int) (Ref, bool) {
	e, ok := a.byIndex[i]
	if !ok {
		return nil, false
	}
	r, ok := e.value.(Ref)
	return r, ok
}

func (a *Array) eachChild(fn func(index int, child Ref)) {
	for _, e := range slices.Clone(a.items) {
		if r, ok := e.value.(Ref); ok {
			fn(e.index, r)
		}
	}
}

func (a *Array) flushed() {
	if a.cleared && len(a.items) == 0 {
		a.next = 0
	}
	a.cleared = false
}

func (a *Array) encodeValue(e *Encoder, buf *wire.Buffer, i int, _ Operation) error {
	entry, ok := a.byIndex[i]
	if !ok {
		return fmt.Errorf("%w: array index %d has no entry", ErrUnknownField, i)
	}
	if child, ok := entry.value.(Ref); ok {
		buf.WriteUvarint(e.refID(child))
		return nil
	}
	return writePrimitive(buf, a.elem, entry.value)
}

func (a *Array) readElem(d *Decoder, buf *wire.Buffer) (any, error) {
	if a.elem == RefType {
		return d.readRef(buf, RefType, 0, a.ref)
	}
	return readPrimitive(buf, a.elem)
}

func (a *Array) decodeEntry(d *Decoder, buf *wire.Buffer, op Operation, i int) error {
	e := a.byIndex[i]

	switch op {
	case OpTouch:
		if e == nil {
			return errUnknownIndex
		}
		return nil

	case OpDelete:
		if e != nil {
			a.decodeRemove(d, e)
		}
		return nil

	case OpReplace:
		if e == nil {
			return errUnknownIndex
		}
	}

	v, err := a.readElem(d, buf)
	if err != nil {
		return err
	}

	if e != nil && op == OpDeleteAndAdd {
		a.decodeRemove(d, e)
		e = nil
	}

	if e != nil {
		if e.value == v {
			return nil
		}
		prev := e.value
		d.retain(v)
		d.release(prev)
		e.value = v
		d.record(DataChange{Ref: a, Op: OpReplace, Index: i, Value: v, Previous: prev})
		return nil
	}

	e = &arrayEntry{index: i, value: v}
	pos := sort.Search(len(a.items), func(p int) bool { return a.items[p].index > i })
	a.items = slices.Insert(a.items, pos, e)
	a.byIndex[i] = e
	if i >= a.next {
		a.next = i + 1
	}
	d.retain(v)
	d.record(DataChange{Ref: a, Op: OpAdd, Index: i, Value: v})
	return nil
}

func (a *Array) decodeRemove(d *Decoder, e *arrayEntry) {
	if pos := slices.Index(a.items, e); pos >= 0 {
		a.items = slices.Delete(a.items, pos, pos+1)
	}
	delete(a.byIndex, e.index)
	d.release(e.value)
	d.record(DataChange{Ref: a, Op: OpDelete, Index: e.index, Previous: e.value})
}
