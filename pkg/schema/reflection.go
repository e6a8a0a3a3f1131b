package schema

import (
	"fmt"

	"github.com/QYUbit/roomsync/pkg/wire"
)

// EncodeReflection serializes every type of reg and the id of the root type
// so a client can decode patches without compiled-in type knowledge.
//
//	manifest := uvarint(n) type*n uvarint(rootID)
//	type     := string(name) uvarint(m) field*m
//	field    := string(name) byte(type) byte(elem) uvarint(refID+1 | 0)
func EncodeReflection(reg *Registry, root *Type) []byte {
	buf := wire.NewBuffer()

	buf.WriteUvarint(uint64(len(reg.types)))
	for _, t := range reg.types {
		buf.WriteString(t.Name)
		buf.WriteUvarint(uint64(len(t.Fields)))
		for _, f := range t.Fields {
			buf.WriteString(f.Name)
			buf.WriteByte(byte(f.Type))
			buf.WriteByte(byte(f.Elem))
			if f.Ref != nil {
				buf.WriteUvarint(uint64(f.Ref.ID) + 1)
			} else {
				buf.WriteUvarint(0)
			}
		}
	}
	buf.WriteUvarint(uint64(root.ID))

	return buf.Bytes()
}

// DecodeReflection rebuilds the registry described by a manifest and
// returns it together with the root type.
func DecodeReflection(data []byte) (*Registry, *Type, error) {
	buf := wire.NewBufferFrom(data)
	fail := func(reason string, err error) (*Registry, *Type, error) {
		return nil, nil, protocolErr("reflection: "+reason, err)
	}

	count, err := buf.ReadUvarint()
	if err != nil {
		return fail("type count", err)
	}
	if count == 0 || count > 1<<16 {
		return fail(fmt.Sprintf("implausible type count %d", count), nil)
	}

	type pending struct {
		name   string
		fields []Field
		refs   []uint64
	}
	decl := make([]pending, 0, count)

	for range count {
		var p pending
		if p.name, err = buf.ReadString(); err != nil {
			return fail("type name", err)
		}
		n, err := buf.ReadUvarint()
		if err != nil {
			return fail("field count", err)
		}
		if n > MaxFields {
			return fail(fmt.Sprintf("type %q has %d fields", p.name, n), nil)
		}

		for range n {
			var f Field
			if f.Name, err = buf.ReadString(); err != nil {
				return fail("field name", err)
			}
			t, err := buf.ReadByte()
			if err != nil {
				return fail("field type", err)
			}
			elem, err := buf.ReadByte()
			if err != nil {
				return fail("field element type", err)
			}
			ref, err := buf.ReadUvarint()
			if err != nil {
				return fail("field reference", err)
			}
			f.Type, f.Elem = WireType(t), WireType(elem)
			p.fields = append(p.fields, f)
			p.refs = append(p.refs, ref)
		}
		decl = append(decl, p)
	}

	rootID, err := buf.ReadUvarint()
	if err != nil {
		return fail("root type", err)
	}
	if rootID >= count {
		return fail(fmt.Sprintf("root type %d out of range", rootID), nil)
	}

	// Types only reference earlier types, so defining them in order
	// resolves every reference.
	reg := NewRegistry()
	for _, p := range decl {
		for i, ref := range p.refs {
			if ref == 0 {
				continue
			}
			t, ok := reg.ByID(int(ref - 1))
			if !ok {
				return fail(fmt.Sprintf("%s.%s references undefined type %d", p.name, p.fields[i].Name, ref-1), nil)
			}
			p.fields[i].Ref = t
		}
		if _, err := reg.Define(p.name, p.fields...); err != nil {
			return fail("define "+p.name, err)
		}
	}

	root, _ := reg.ByID(int(rootID))
	return reg, root, nil
}
