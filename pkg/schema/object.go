package schema

import (
	"fmt"

	"github.com/QYUbit/roomsync/pkg/wire"
)

// Object is a replicated struct of a declared Type. Values are stored by
// field index; an unset field holds nil.
type Object struct {
	typ    *Type
	values []any
	ct     *ChangeTree

	onChange subList[func(changes []DataChange)]
	listen   map[int]*subList[func(value, previous any)]
}

// New creates an authoritative object. Map and array fields are created
// with it and recorded as added.
func New(t *Type) *Object {
	o := newObject(t)
	for i, f := range t.Fields {
		switch f.Type {
		case MapType:
			o.attachValue(i, newMap(f.Elem, f.Ref), OpAdd)
		case ArrayType:
			o.attachValue(i, newArray(f.Elem, f.Ref), OpAdd)
		}
	}
	return o
}

// NewMirror creates an empty object to be filled by a Decoder.
func NewMirror(t *Type) *Object {
	return newObject(t)
}

func newObject(t *Type) *Object {
	o := &Object{
		typ:    t,
		values: make([]any, len(t.Fields)),
	}
	o.ct = newChangeTree(o)
	return o
}

func (o *Object) tree() *ChangeTree { return o.ct }

// Type returns the descriptor of o.
func (o *Object) Type() *Type {
	return o.typ
}

func (o *Object) resolve(name string) (int, error) {
	i, ok := o.typ.index[name]
	if !ok {
		return -1, fmt.Errorf("%w: %s.%s", ErrUnknownField, o.typ.Name, name)
	}
	return i, nil
}

// ==============================================
// Mutation
// ==============================================

// Set assigns a field by name.
func (o *Object) Set(name string, v any) error {
	i, err := o.resolve(name)
	if err != nil {
		return err
	}
	return o.SetIndex(i, v)
}

// SetIndex assigns a field by index. Setting the current value is a no-op.
func (o *Object) SetIndex(i int, v any) error {
	f, ok := o.typ.Field(i)
	if !ok {
		return fmt.Errorf("%w: %s[%d]", ErrUnknownField, o.typ.Name, i)
	}
	if f.Type.IsContainer() {
		return fmt.Errorf("%w: %s.%s", ErrContainerField, o.typ.Name, f.Name)
	}

	nv, err := normalize(f.Type, f.Ref, v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", o.typ.Name, f.Name, err)
	}

	prev := o.values[i]
	if prev == nv {
		return nil
	}

	op := OpAdd
	if prev != nil {
		op = OpReplace
		if old, ok := prev.(Ref); ok {
			old.tree().detach(o.ct, i)
		}
	}
	o.attachValue(i, nv, op)
	return nil
}

func (o *Object) attachValue(i int, v any, op Operation) {
	if child, ok := v.(Ref); ok {
		child.tree().attach(o.ct, i)
	}
	o.values[i] = v
	o.ct.MarkChanged(i, op)
}

// Delete unsets a field by name. Deleting an unset field is a no-op.
func (o *Object) Delete(name string) error {
	i, err := o.resolve(name)
	if err != nil {
		return err
	}
	return o.DeleteIndex(i)
}

func (o *Object) DeleteIndex(i int) error {
	f, ok := o.typ.Field(i)
	if !ok {
		return fmt.Errorf("%w: %s[%d]", ErrUnknownField, o.typ.Name, i)
	}
	if f.Type.IsContainer() {
		return fmt.Errorf("%w: %s.%s", ErrContainerField, o.typ.Name, f.Name)
	}

	prev := o.values[i]
	if prev == nil {
		return nil
	}
	o.values[i] = nil
	o.ct.MarkDeleted(i, prev)
	return nil
}

// Touch marks a field as containing a changed child without changing it.
func (o *Object) Touch(name string) error {
	i, err := o.resolve(name)
	if err != nil {
		return err
	}
	o.ct.MarkTouched(i)
	return nil
}

// ==============================================
// Getters
// ==============================================

func (o *Object) Get(name string) any {
	i, ok := o.typ.index[name]
	if !ok {
		return nil
	}
	return o.values[i]
}

func (o *Object) GetIndex(i int) any {
	if i < 0 || i >= len(o.values) {
		return nil
	}
	return o.values[i]
}

func (o *Object) Has(name string) bool {
	return o.Get(name) != nil
}

func (o *Object) String(name string) string {
	s, _ := o.Get(name).(string)
	return s
}

func (o *Object) Bool(name string) bool {
	b, _ := o.Get(name).(bool)
	return b
}

// Float64 returns any numeric field as float64.
func (o *Object) Float64(name string) float64 {
	f, _ := asFloat(o.Get(name))
	return f
}

// Int64 returns any integer field that fits into int64.
func (o *Object) Int64(name string) int64 {
	i, _ := asInt(o.Get(name))
	return i
}

// Uint64 returns any non-negative integer field.
func (o *Object) Uint64(name string) uint64 {
	u, _ := asUint(o.Get(name))
	return u
}

func (o *Object) Object(name string) *Object {
	c, _ := o.Get(name).(*Object)
	return c
}

func (o *Object) Map(name string) *Map {
	m, _ := o.Get(name).(*Map)
	return m
}

func (o *Object) Array(name string) *Array {
	a, _ := o.Get(name).(*Array)
	return a
}

// ==============================================
// Observers
// ==============================================

// OnChange registers fn to run once per applied patch that changed o.
func (o *Object) OnChange(fn func(changes []DataChange)) (unsubscribe func()) {
	return o.onChange.add(fn)
}

// Listen registers fn for changes of a single field.
func (o *Object) Listen(name string, fn func(value, previous any)) (unsubscribe func(), err error) {
	i, err := o.resolve(name)
	if err != nil {
		return nil, err
	}
	if o.listen == nil {
		o.listen = make(map[int]*subList[func(value, previous any)])
	}
	l, ok := o.listen[i]
	if !ok {
		l = new(subList[func(value, previous any)])
		o.listen[i] = l
	}
	return l.add(fn), nil
}

func (o *Object) fireField(c DataChange) {
	l, ok := o.listen[c.Index]
	if !ok {
		return
	}
	l.each(func(fn func(value, previous any)) { fn(c.Value, c.Previous) })
}

func (o *Object) dispose() {
	o.onChange.clear()
	o.listen = nil
}

// ==============================================
// Codec
// ==============================================

func (o *Object) childAt(i int) (Ref, bool) {
	if i < 0 || i >= len(o.values) {
		return nil, false
	}
	r, ok := o.values[i].(Ref)
	return r, ok
}

func (o *Object) eachChild(fn func(index int, child Ref)) {
	for i, v := range o.values {
		if r, ok := v.(Ref); ok {
			fn(i, r)
		}
	}
}

func (o *Object) flushed() {}

func (o *Object) encodeValue(e *Encoder, buf *wire.Buffer, i int, _ Operation) error {
	v := o.values[i]
	if v == nil {
		return fmt.Errorf("%w: %s[%d] has no value to encode", ErrUnknownField, o.typ.Name, i)
	}
	f := o.typ.Fields[i]

	if child, ok := v.(Ref); ok {
		buf.WriteUvarint(e.refID(child))
		return nil
	}

	if cached, ok := o.ct.cache[i]; ok {
		buf.Write(cached)
		return nil
	}

	start := buf.Len()
	if err := writePrimitive(buf, f.Type, v); err != nil {
		return err
	}
	o.ct.cache[i] = append([]byte(nil), buf.Bytes()[start:]...)
	return nil
}

func (o *Object) decodeEntry(d *Decoder, buf *wire.Buffer, op Operation, i int) error {
	f, ok := o.typ.Field(i)
	if !ok {
		return errUnknownIndex
	}
	prev := o.values[i]

	switch op {
	case OpTouch:
		return nil

	case OpDelete:
		if prev == nil {
			return nil
		}
		o.values[i] = nil
		d.release(prev)
		d.record(DataChange{Ref: o, Op: OpDelete, Index: i, Field: f.Name, Previous: prev})
		return nil
	}

	var v any
	var err error
	if f.Type.IsPrimitive() {
		v, err = readPrimitive(buf, f.Type)
	} else {
		v, err = d.readRef(buf, f.Type, f.Elem, f.Ref)
	}
	if err != nil {
		return err
	}

	if prev == v && op != OpDeleteAndAdd {
		return nil
	}
	if prev != v {
		d.retain(v)
		d.release(prev)
	}
	o.values[i] = v
	d.record(DataChange{Ref: o, Op: op, Index: i, Field: f.Name, Value: v, Previous: prev})
	return nil
}
