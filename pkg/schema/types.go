package schema

import (
	"fmt"
)

// MaxFields is the largest number of fields a single type may declare.
const MaxFields = 256

// WireType tags how a field value is laid out on the wire.
type WireType uint8

const (
	Bool WireType = iota + 1
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
	String
	RefType
	MapType
	ArrayType
)

var wireTypeNames = map[WireType]string{
	Bool:      "bool",
	Int8:      "int8",
	Uint8:     "uint8",
	Int16:     "int16",
	Uint16:    "uint16",
	Int32:     "int32",
	Uint32:    "uint32",
	Int64:     "int64",
	Uint64:    "uint64",
	Float32:   "float32",
	Float64:   "float64",
	String:    "string",
	RefType:   "ref",
	MapType:   "map",
	ArrayType: "array",
}

func (w WireType) String() string {
	if s, ok := wireTypeNames[w]; ok {
		return s
	}
	return fmt.Sprintf("WireType(%d)", uint8(w))
}

// IsPrimitive reports whether values of w are written inline.
func (w WireType) IsPrimitive() bool {
	return w >= Bool && w <= String
}

// IsContainer reports whether w is a map or an array.
func (w WireType) IsContainer() bool {
	return w == MapType || w == ArrayType
}

// Field describes one replicated field. Elem is the element type of map and
// array fields; Ref names the struct type of RefType fields and of
// containers whose Elem is RefType.
type Field struct {
	Name string
	Type WireType
	Elem WireType
	Ref  *Type
}

func Prim(name string, t WireType) Field {
	return Field{Name: name, Type: t}
}

func RefTo(name string, t *Type) Field {
	return Field{Name: name, Type: RefType, Ref: t}
}

func MapOf(name string, elem WireType) Field {
	return Field{Name: name, Type: MapType, Elem: elem}
}

func MapOfRefs(name string, t *Type) Field {
	return Field{Name: name, Type: MapType, Elem: RefType, Ref: t}
}

func ArrayOf(name string, elem WireType) Field {
	return Field{Name: name, Type: ArrayType, Elem: elem}
}

func ArrayOfRefs(name string, t *Type) Field {
	return Field{Name: name, Type: ArrayType, Elem: RefType, Ref: t}
}

// Type is the descriptor of a replicated struct. Field indices are the
// positions in Fields and never change once the type is defined.
type Type struct {
	Name   string
	ID     int
	Fields []Field

	index map[string]int
}

// FieldIndex resolves a field name.
func (t *Type) FieldIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Field returns the descriptor at index i.
func (t *Type) Field(i int) (Field, bool) {
	if i < 0 || i >= len(t.Fields) {
		return Field{}, false
	}
	return t.Fields[i], true
}

func (t *Type) String() string {
	return t.Name
}

// Registry holds the types of one state schema. IDs are assigned in
// definition order and are what the reflection manifest refers to.
type Registry struct {
	types  []*Type
	byName map[string]*Type
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Type)}
}

// Define validates and registers a type. Types referenced by fields must
// already be registered in r.
func (r *Registry) Define(name string, fields ...Field) (*Type, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty type name", ErrInvalidType)
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: type %q already defined", ErrInvalidType, name)
	}
	if len(fields) > MaxFields {
		return nil, fmt.Errorf("%w: type %q declares %d fields, max is %d", ErrInvalidType, name, len(fields), MaxFields)
	}

	t := &Type{
		Name:   name,
		ID:     len(r.types),
		Fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}

	for i, f := range fields {
		if err := r.validateField(f); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidType, name, f.Name, err)
		}
		if _, dup := t.index[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s.%s declared twice", ErrInvalidType, name, f.Name)
		}
		t.Fields[i] = f
		t.index[f.Name] = i
	}

	r.types = append(r.types, t)
	r.byName[name] = t
	return t, nil
}

// MustDefine is Define for package level declarations.
func (r *Registry) MustDefine(name string, fields ...Field) *Type {
	t, err := r.Define(name, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Registry) validateField(f Field) error {
	if f.Name == "" {
		return fmt.Errorf("empty field name")
	}

	switch {
	case f.Type.IsPrimitive():
		return nil

	case f.Type == RefType:
		return r.validateRef(f.Ref)

	case f.Type.IsContainer():
		if f.Elem.IsPrimitive() {
			return nil
		}
		if f.Elem == RefType {
			return r.validateRef(f.Ref)
		}
		return fmt.Errorf("unsupported element type %s", f.Elem)
	}

	return fmt.Errorf("unknown wire type %s", f.Type)
}

func (r *Registry) validateRef(t *Type) error {
	if t == nil {
		return fmt.Errorf("missing referenced type")
	}
	if r.byName[t.Name] != t {
		return fmt.Errorf("referenced type %q is not part of this registry", t.Name)
	}
	return nil
}

func (r *Registry) Lookup(name string) (*Type, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func (r *Registry) ByID(id int) (*Type, bool) {
	if id < 0 || id >= len(r.types) {
		return nil, false
	}
	return r.types[id], true
}

// Types returns the registered types in definition order.
func (r *Registry) Types() []*Type {
	out := make([]*Type, len(r.types))
	copy(out, r.types)
	return out
}
