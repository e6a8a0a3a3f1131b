package schema

import (
	"fmt"
	"maps"
	"slices"
)

// Operation is the pending change recorded for one index of a node.
type Operation uint8

const (
	OpReplace      Operation = 0x00
	OpTouch        Operation = 0x01
	OpDelete       Operation = 0x40
	OpAdd          Operation = 0x80
	OpDeleteAndAdd Operation = 0xC0
)

// switchToRef starts a section of entries belonging to one reference id.
// It is never a valid operation.
const switchToRef byte = 0xFF

// maxPropagationDepth bounds every walk along parent links.
const maxPropagationDepth = 64

func (op Operation) String() string {
	switch op {
	case OpReplace:
		return "REPLACE"
	case OpTouch:
		return "TOUCH"
	case OpDelete:
		return "DELETE"
	case OpAdd:
		return "ADD"
	case OpDeleteAndAdd:
		return "DELETE_AND_ADD"
	}
	return fmt.Sprintf("Operation(%#x)", uint8(op))
}

func (op Operation) valid() bool {
	switch op {
	case OpReplace, OpTouch, OpDelete, OpAdd, OpDeleteAndAdd:
		return true
	}
	return false
}

// carriesValue reports whether a value follows the index on the wire.
func (op Operation) carriesValue() bool {
	return op == OpAdd || op == OpReplace || op == OpDeleteAndAdd
}

type parentLink struct {
	tree  *ChangeTree
	index int
}

// ChangeTree tracks the pending changes of one node and links it to the
// nodes it is attached to.
type ChangeTree struct {
	owner Ref

	refID    uint64
	hasRefID bool

	parents    []parentLink
	changes    map[int]Operation
	allChanges map[int]struct{}
	cache      map[int][]byte
	dirty      bool
}

func newChangeTree(owner Ref) *ChangeTree {
	return &ChangeTree{
		owner:      owner,
		changes:    make(map[int]Operation),
		allChanges: make(map[int]struct{}),
		cache:      make(map[int][]byte),
	}
}

// MarkChanged records op at index. A pending DELETE becomes DELETE_AND_ADD and
// a pending ADD is kept, since the receiver has not seen that index yet.
func (t *ChangeTree) MarkChanged(index int, op Operation) {
	if prev, ok := t.changes[index]; ok {
		switch prev {
		case OpDelete:
			op = OpDeleteAndAdd
		case OpAdd, OpDeleteAndAdd:
			op = prev
		}
	}

	t.changes[index] = op
	t.allChanges[index] = struct{}{}
	delete(t.cache, index)
	t.propagate()
}

// MarkTouched keeps a path alive to a changed child without clobbering a
// real change at index.
func (t *ChangeTree) MarkTouched(index int) {
	if _, ok := t.changes[index]; !ok {
		t.changes[index] = OpTouch
	}
	t.propagate()
}

// MarkDeleted records a deletion at index. prev is the value that was stored
// there; a tracked node loses its link to t.
func (t *ChangeTree) MarkDeleted(index int, prev any) {
	if child, ok := prev.(Ref); ok {
		child.tree().detach(t, index)
	}

	t.changes[index] = OpDelete
	delete(t.allChanges, index)
	delete(t.cache, index)
	t.propagate()
}

// Flush clears the pending changes. clearAll also forgets the all-changes
// set, so the next full encode starts from nothing.
func (t *ChangeTree) Flush(resetDirty, clearAll bool) {
	clear(t.changes)
	if clearAll {
		clear(t.allChanges)
		clear(t.cache)
	}
	if resetDirty {
		t.dirty = false
	}
	t.owner.flushed()
}

// Dirty reports whether the node changed since it was last flushed.
func (t *ChangeTree) Dirty() bool {
	return t.dirty
}

// Pending returns a copy of the pending changes.
func (t *ChangeTree) Pending() map[int]Operation {
	return maps.Clone(t.changes)
}

// RefID returns the reference id and whether one has been assigned yet.
func (t *ChangeTree) RefID() (uint64, bool) {
	return t.refID, t.hasRefID
}

func (t *ChangeTree) pendingIndices() []int {
	return slices.Sorted(maps.Keys(t.changes))
}

func (t *ChangeTree) allIndices() []int {
	return slices.Sorted(maps.Keys(t.allChanges))
}

func (t *ChangeTree) propagate() {
	t.dirty = true
	t.touchParents(0)
}

// touchParents stops at a parent that already has something pending at the
// link index: its own ancestors were touched when that was recorded.
func (t *ChangeTree) touchParents(depth int) {
	if depth >= maxPropagationDepth {
		return
	}
	for _, link := range t.parents {
		p := link.tree
		p.dirty = true
		if _, pending := p.changes[link.index]; pending {
			continue
		}
		p.changes[link.index] = OpTouch
		p.touchParents(depth + 1)
	}
}

func (t *ChangeTree) attach(parent *ChangeTree, index int) {
	if len(t.parents) == 0 && t.hasRefID && t.refID != 0 {
		t.renew(0)
	}
	t.parents = append(t.parents, parentLink{tree: parent, index: index})
}

func (t *ChangeTree) detach(parent *ChangeTree, index int) {
	for i, link := range t.parents {
		if link.tree == parent && link.index == index {
			t.parents = slices.Delete(t.parents, i, i+1)
			return
		}
	}
}

// renew gives a node that was detached after being encoded a new identity
// and queues its whole content again: receivers dropped the old one.
func (t *ChangeTree) renew(depth int) {
	if depth >= maxPropagationDepth {
		return
	}
	t.hasRefID = false
	t.refID = 0
	for i := range t.allChanges {
		t.changes[i] = OpAdd
	}
	if len(t.changes) > 0 {
		t.dirty = true
	}
	t.owner.eachChild(func(_ int, child Ref) {
		child.tree().renew(depth + 1)
	})
}

// release drops every link and pending change below t.
func (t *ChangeTree) release(depth int) {
	if depth >= maxPropagationDepth {
		return
	}
	t.owner.eachChild(func(_ int, child Ref) {
		child.tree().release(depth + 1)
	})
	t.parents = nil
	clear(t.changes)
	clear(t.allChanges)
	clear(t.cache)
	t.dirty = false
}
