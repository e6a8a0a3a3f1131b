package schema

// DataChange is one applied patch entry as seen by a mirror.
type DataChange struct {
	Ref      Ref
	Op       Operation
	Index    int
	Field    string // object field name
	Key      string // map key
	Value    any
	Previous any
}

type subscription[F any] struct {
	id int
	fn F
}

// subList is an ordered list of callbacks with unsubscribe support.
type subList[F any] struct {
	next int
	subs []subscription[F]
}

func (l *subList[F]) add(fn F) func() {
	l.next++
	id := l.next
	l.subs = append(l.subs, subscription[F]{id: id, fn: fn})

	return func() {
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *subList[F]) each(call func(fn F)) {
	if len(l.subs) == 0 {
		return
	}
	// callbacks may unsubscribe while we iterate
	snapshot := append([]subscription[F](nil), l.subs...)
	for _, s := range snapshot {
		call(s.fn)
	}
}

func (l *subList[F]) clear() {
	l.subs = nil
}

// collectionSubs are the observers of a map or an array.
type collectionSubs[K any] struct {
	onAdd    subList[func(key K, value any)]
	onRemove subList[func(key K, value any)]
	onChange subList[func(key K, value any)]
}

func (s *collectionSubs[K]) clear() {
	s.onAdd.clear()
	s.onRemove.clear()
	s.onChange.clear()
}

func (s *collectionSubs[K]) fire(op Operation, key K, value, previous any) {
	switch op {
	case OpAdd:
		s.onAdd.each(func(fn func(K, any)) { fn(key, value) })
	case OpDelete:
		s.onRemove.each(func(fn func(K, any)) { fn(key, previous) })
	case OpReplace:
		s.onChange.each(func(fn func(K, any)) { fn(key, value) })
	}
}
