package server

import (
	"reflect"
	"strings"
	"sync"

	"github.com/QYUbit/roomsync/pkg/synclog"
)

var (
	typeOfBytes  = reflect.TypeFor[[]byte]()
	typeOfString = reflect.TypeFor[string]()
)

// HandlerFunc handles one message type. Returning an error stops the
// remaining handlers of the message.
type HandlerFunc[T any] func(c *Context, payload T) error

type compiledHandler func(c *Context, payload []byte) error

// Router dispatches room messages by type. Types are dot separated; a
// trailing "*" segment matches every type below its prefix.
type Router struct {
	logger      synclog.Logger
	serializer  Serializer
	tree        *routerTree
	contextPool sync.Pool
}

func NewRouter(serializer Serializer, logger synclog.Logger) *Router {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &Router{
		logger:     synclog.Or(logger),
		serializer: serializer,
		tree:       newRouterTree(),
		contextPool: sync.Pool{
			New: func() any {
				return new(Context)
			},
		},
	}
}

func (r *Router) RegisterRaw(typ string, handler HandlerFunc[[]byte]) {
	r.tree.insert(typ, compiledHandler(handler))
}

// Register adds a handler whose payload is decoded into T. []byte and
// string payloads are passed through.
func Register[T any](r *Router, typ string, handler HandlerFunc[T]) {
	r.tree.insert(typ, compile(r.serializer, handler))
}

func compile[T any](s Serializer, handler HandlerFunc[T]) compiledHandler {
	t := reflect.TypeFor[T]()

	switch t {
	case typeOfBytes:
		return func(c *Context, data []byte) error {
			return handler(c, any(data).(T))
		}
	case typeOfString:
		return func(c *Context, data []byte) error {
			return handler(c, any(string(data)).(T))
		}
	}

	return func(c *Context, data []byte) error {
		var payload T
		if err := s.Unmarshal(&payload, data); err != nil {
			return err
		}
		return handler(c, payload)
	}
}

// RegisterFallbackRaw adds a handler for types nothing else matches.
func (r *Router) RegisterFallbackRaw(handler HandlerFunc[[]byte]) {
	r.tree.insertFallback(compiledHandler(handler))
}

// Handle runs every handler matching typ. It reports false when the type
// had no handler, in which case the message is dropped.
func (r *Router) Handle(room *Room, member *Session, typ string, data []byte) (handled bool) {
	handlers := r.tree.match(typ)
	if len(handlers) == 0 {
		r.logger.Warn("dropped message without handler", "type", typ, "session", member.ID())
		return false
	}

	c := r.contextPool.Get().(*Context)
	c.Room = room
	c.Member = member
	c.Type = typ
	c.serializer = r.serializer

	defer func() {
		c.reset()
		r.contextPool.Put(c)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked", "type", typ, "panic", rec)
		}
	}()

	for _, h := range handlers {
		if err := h(c, data); err != nil {
			r.logger.Error("message handler failed", "type", typ, "error", err)
			break
		}
		if c.halt {
			break
		}
	}
	return true
}

type routerNode struct {
	children  map[string]*routerNode
	wildcards []compiledHandler
	handlers  []compiledHandler
}

func newRouterNode() *routerNode {
	return &routerNode{
		children: make(map[string]*routerNode),
	}
}

type routerTree struct {
	sep      string
	root     *routerNode
	fallback []compiledHandler
}

func newRouterTree() *routerTree {
	return &routerTree{
		sep:  ".",
		root: newRouterNode(),
	}
}

func (t *routerTree) insert(route string, handler compiledHandler) {
	parts := strings.Split(route, t.sep)
	node := t.root

	for _, part := range parts {
		if part == "*" {
			node.wildcards = append(node.wildcards, handler)
			return
		}

		next, ok := node.children[part]
		if !ok {
			next = newRouterNode()
			node.children[part] = next
		}
		node = next
	}

	node.handlers = append(node.handlers, handler)
}

func (t *routerTree) insertFallback(handler compiledHandler) {
	t.fallback = append(t.fallback, handler)
}

// match returns wildcard handlers along the path followed by the exact
// handlers, or the fallback when there are no exact handlers.
func (t *routerTree) match(route string) []compiledHandler {
	parts := strings.Split(route, t.sep)
	node := t.root

	var matching []compiledHandler

	for _, part := range parts {
		matching = append(matching, node.wildcards...)

		next, ok := node.children[part]
		if !ok {
			return append(matching, t.fallback...)
		}
		node = next
	}

	if len(node.handlers) == 0 {
		return append(matching, t.fallback...)
	}
	return append(matching, node.handlers...)
}
