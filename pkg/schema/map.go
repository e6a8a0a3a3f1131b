package schema

import (
	"fmt"
	"iter"
	"slices"

	"github.com/QYUbit/roomsync/pkg/wire"
)

type mapEntry struct {
	key   string
	index int
	value any
}

// Map is a replicated string keyed map. Iteration follows insertion order,
// the wire uses per entry indices that are never reused before a flush.
type Map struct {
	elem WireType
	ref  *Type

	entries map[string]*mapEntry
	byIndex map[int]*mapEntry
	order   []*mapEntry
	next    int
	cleared bool

	ct   *ChangeTree
	subs collectionSubs[string]
}

func newMap(elem WireType, ref *Type) *Map {
	m := &Map{
		elem:    elem,
		ref:     ref,
		entries: make(map[string]*mapEntry),
		byIndex: make(map[int]*mapEntry),
	}
	m.ct = newChangeTree(m)
	return m
}

func (m *Map) tree() *ChangeTree { return m.ct }

func (m *Map) Len() int {
	return len(m.order)
}

func (m *Map) Get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Object returns the struct stored under key, or nil.
func (m *Map) Object(key string) *Object {
	v, _ := m.Get(key)
	o, _ := v.(*Object)
	return o
}

func (m *Map) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// IndexOf returns the wire index of key.
func (m *Map) IndexOf(key string) (int, bool) {
	e, ok := m.entries[key]
	if !ok {
		return -1, false
	}
	return e.index, true
}

func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.order))
	for _, e := range m.order {
		keys = append(keys, e.key)
	}
	return keys
}

// All iterates entries in insertion order.
func (m *Map) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, e := range slices.Clone(m.order) {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

// Set stores v under key. A new key gets the next wire index.
func (m *Map) Set(key string, v any) error {
	nv, err := normalize(m.elem, m.ref, v)
	if err != nil {
		return fmt.Errorf("map[%q]: %w", key, err)
	}

	if e, ok := m.entries[key]; ok {
		if e.value == nv {
			return nil
		}
		if old, ok := e.value.(Ref); ok {
			old.tree().detach(m.ct, e.index)
		}
		if child, ok := nv.(Ref); ok {
			child.tree().attach(m.ct, e.index)
		}
		e.value = nv
		m.ct.MarkChanged(e.index, OpReplace)
		return nil
	}

	e := &mapEntry{key: key, index: m.next, value: nv}
	m.next++
	m.insert(e)

	if child, ok := nv.(Ref); ok {
		child.tree().attach(m.ct, e.index)
	}
	m.ct.MarkChanged(e.index, OpAdd)
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	m.remove(e)
	m.ct.MarkDeleted(e.index, e.value)
	return true
}

// Clear removes every entry. Wire indices restart once the deletions
// were flushed.
func (m *Map) Clear() {
	for _, e := range slices.Clone(m.order) {
		m.remove(e)
		m.ct.MarkDeleted(e.index, e.value)
	}
	m.cleared = true
}

func (m *Map) insert(e *mapEntry) {
	m.entries[e.key] = e
	m.byIndex[e.index] = e
	m.order = append(m.order, e)
}

func (m *Map) remove(e *mapEntry) {
	delete(m.entries, e.key)
	delete(m.byIndex, e.index)
	if i := slices.Index(m.order, e); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

// ==============================================
// Observers
// ==============================================

func (m *Map) OnAdd(fn func(key string, value any)) (unsubscribe func()) {
	return m.subs.onAdd.add(fn)
}

func (m *Map) OnRemove(fn func(key string, value any)) (unsubscribe func()) {
	return m.subs.onRemove.add(fn)
}

func (m *Map) OnChange(fn func(key string, value any)) (unsubscribe func()) {
	return m.subs.onChange.add(fn)
}

func (m *Map) dispose() {
	m.subs.clear()
}

// ==============================================
// Codec
// ==============================================

func (m *Map) childAt(i int) (Ref, bool) {
	e, ok := m.byIndex[i]
	if !ok {
		return nil, false
	}
	r, ok := e.value.(Ref)
	return r, ok
}

func (m *Map) eachChild(fn func(index int, child Ref)) {
	for _, e := range slices.Clone(m.order) {
		if r, ok := e.value.(Ref); ok {
			fn(e.index, r)
		}
	}
}

func (m *Map) flushed() {
	if m.cleared && len(m.order) == 0 {
		m.next = 0
	}
	m.cleared = false
}

func (m *Map) encodeValue(e *Encoder, buf *wire.Buffer, i int, op Operation) error {
	entry, ok := m.byIndex[i]
	if !ok {
		return fmt.Errorf("%w: map index %d has no entry", ErrUnknownField, i)
	}
	if op == OpAdd || op == OpDeleteAndAdd {
		buf.WriteString(entry.key)
	}
	if child, ok := entry.value.(Ref); ok {
		buf.WriteUvarint(e.refID(child))
		return nil
	}
	return writePrimitive(buf, m.elem, entry.value)
}

func (m *Map) readElem(d *Decoder, buf *wire.Buffer) (any, error) {
	if m.elem == RefType {
		return d.readRef(buf, RefType, 0, m.ref)
	}
	return readPrimitive(buf, m.elem)
}

func (m *Map) decodeEntry(d *Decoder, buf *wire.Buffer, op Operation, i int) error {
	e := m.byIndex[i]

	switch op {
	case OpTouch:
		if e == nil {
			return errUnknownIndex
		}
		return nil

	case OpDelete:
		if e != nil {
			m.decodeRemove(d, e)
		}
		return nil

	case OpReplace:
		if e == nil {
			return errUnknownIndex
		}
		v, err := m.readElem(d, buf)
		if err != nil {
			return err
		}
		m.decodeReplace(d, e, v)
		return nil
	}

	key, err := buf.ReadString()
	if err != nil {
		return err
	}
	v, err := m.readElem(d, buf)
	if err != nil {
		return err
	}

	if e != nil && op == OpDeleteAndAdd {
		m.decodeRemove(d, e)
		e = nil
	}
	if e != nil {
		if e.key != key {
			return fmt.Errorf("%w: index %d holds %q, patch adds %q", errUnknownIndex, i, e.key, key)
		}
		m.decodeReplace(d, e, v)
		return nil
	}
	if stale, ok := m.entries[key]; ok {
		m.decodeRemove(d, stale)
	}

	e = &mapEntry{key: key, index: i, value: v}
	m.insert(e)
	if i >= m.next {
		m.next = i + 1
	}
	d.retain(v)
	d.record(DataChange{Ref: m, Op: OpAdd, Index: i, Key: key, Value: v})
	return nil
}

func (m *Map) decodeRemove(d *Decoder, e *mapEntry) {
	m.remove(e)
	d.release(e.value)
	d.record(DataChange{Ref: m, Op: OpDelete, Index: e.index, Key: e.key, Previous: e.value})
}

func (m *Map) decodeReplace(d *Decoder, e *mapEntry, v any) {
	if e.value == v {
		return
	}
	prev := e.value
	d.retain(v)
	d.release(prev)
	e.value = v
	d.record(DataChange{Ref: m, Op: OpReplace, Index: e.index, Key: e.key, Value: v, Previous: prev})
}
