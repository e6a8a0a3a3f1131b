package schema

import "github.com/QYUbit/roomsync/pkg/wire"

// Ref is a tracked node of the state tree: *Object, *Map or *Array.
type Ref interface {
	tree() *ChangeTree

	// encodeValue writes the value stored at index.
	encodeValue(e *Encoder, buf *wire.Buffer, index int, op Operation) error

	// childAt returns the node stored at index, if any.
	childAt(index int) (Ref, bool)

	// eachChild visits every node directly below this one.
	eachChild(fn func(index int, child Ref))

	// decodeEntry applies one patch entry to a mirror node.
	decodeEntry(d *Decoder, buf *wire.Buffer, op Operation, index int) error

	// flushed runs after the node's tracker was flushed.
	flushed()

	// dispose drops the subscriptions of a mirror node.
	dispose()
}

// Tree exposes the change tracker of n.
func Tree(n Ref) *ChangeTree {
	return n.tree()
}

// Release detaches and clears every tracker reachable from root. It is
// called once the state tree is dropped so no node keeps pointing into it.
func Release(root Ref) {
	root.tree().release(0)
}

// Plain converts a node into maps, slices and primitive values: objects and
// maps become map[string]any, arrays []any. Unset object fields are omitted.
func Plain(n Ref) any {
	return plain(n, 0)
}

func plain(n Ref, depth int) any {
	if depth >= maxPropagationDepth {
		return nil
	}
	conv := func(v any) any {
		if r, ok := v.(Ref); ok {
			return plain(r, depth+1)
		}
		return v
	}

	switch node := n.(type) {
	case *Object:
		out := make(map[string]any)
		for i, f := range node.typ.Fields {
			if v := node.values[i]; v != nil {
				out[f.Name] = conv(v)
			}
		}
		return out
	case *Map:
		out := make(map[string]any, node.Len())
		for _, e := range node.order {
			out[e.key] = conv(e.value)
		}
		return out
	case *Array:
		out := make([]any, 0, node.Len())
		for _, e := range node.items {
			out = append(out, conv(e.value))
		}
		return out
	}
	return nil
}
