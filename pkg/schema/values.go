package schema

import (
	"fmt"
	"math"

	"github.com/QYUbit/roomsync/pkg/wire"
)

// normalize converts v into the Go type stored for wire type t:
// bool, int8..uint64, float32, float64, string or *Object.
func normalize(t WireType, ref *Type, v any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, t)
	}

	switch t {
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, mismatch()

	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, mismatch()

	case Float32:
		f, ok := asFloat(v)
		if !ok {
			return nil, mismatch()
		}
		return float32(f), nil

	case Float64:
		f, ok := asFloat(v)
		if !ok {
			return nil, mismatch()
		}
		return f, nil

	case Int8, Int16, Int32, Int64:
		i, ok := asInt(v)
		if !ok {
			return nil, mismatch()
		}
		return narrowInt(t, i)

	case Uint8, Uint16, Uint32, Uint64:
		u, ok := asUint(v)
		if !ok {
			return nil, mismatch()
		}
		return narrowUint(t, u)

	case RefType:
		o, ok := v.(*Object)
		if !ok || o == nil {
			return nil, mismatch()
		}
		if o.typ != ref {
			return nil, fmt.Errorf("%w: %s for ref to %s", ErrTypeMismatch, o.typ.Name, ref.Name)
		}
		return o, nil
	}

	return nil, mismatch()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	if u, ok := asUint(v); ok {
		return float64(u), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	if i, ok := asInt(v); ok && i >= 0 {
		return uint64(i), true
	}
	return 0, false
}

func narrowInt(t WireType, i int64) (any, error) {
	overflow := fmt.Errorf("%w: %d overflows %s", ErrTypeMismatch, i, t)
	switch t {
	case Int8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return nil, overflow
		}
		return int8(i), nil
	case Int16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, overflow
		}
		return int16(i), nil
	case Int32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, overflow
		}
		return int32(i), nil
	}
	return i, nil
}

func narrowUint(t WireType, u uint64) (any, error) {
	overflow := fmt.Errorf("%w: %d overflows %s", ErrTypeMismatch, u, t)
	switch t {
	case Uint8:
		if u > math.MaxUint8 {
			return nil, overflow
		}
		return uint8(u), nil
	case Uint16:
		if u > math.MaxUint16 {
			return nil, overflow
		}
		return uint16(u), nil
	case Uint32:
		if u > math.MaxUint32 {
			return nil, overflow
		}
		return uint32(u), nil
	}
	return u, nil
}

// writePrimitive expects v to be normalized for t.
func writePrimitive(buf *wire.Buffer, t WireType, v any) error {
	switch t {
	case Bool:
		buf.WriteBool(v.(bool))
	case Int8:
		buf.WriteByte(byte(v.(int8)))
	case Uint8:
		buf.WriteByte(v.(uint8))
	case Int16:
		buf.WriteUint16(uint16(v.(int16)))
	case Uint16:
		buf.WriteUint16(v.(uint16))
	case Int32:
		buf.WriteUint32(uint32(v.(int32)))
	case Uint32:
		buf.WriteUint32(v.(uint32))
	case Int64:
		buf.WriteUint64(uint64(v.(int64)))
	case Uint64:
		buf.WriteUint64(v.(uint64))
	case Float32:
		buf.WriteFloat32(v.(float32))
	case Float64:
		buf.WriteFloat64(v.(float64))
	case String:
		buf.WriteString(v.(string))
	default:
		return fmt.Errorf("%w: %s is not a primitive", ErrTypeMismatch, t)
	}
	return nil
}

func readPrimitive(buf *wire.Buffer, t WireType) (any, error) {
	switch t {
	case Bool:
		return buf.ReadBool()
	case Int8:
		b, err := buf.ReadByte()
		return int8(b), err
	case Uint8:
		return buf.ReadByte()
	case Int16:
		u, err := buf.ReadUint16()
		return int16(u), err
	case Uint16:
		return buf.ReadUint16()
	case Int32:
		u, err := buf.ReadUint32()
		return int32(u), err
	case Uint32:
		return buf.ReadUint32()
	case Int64:
		u, err := buf.ReadUint64()
		return int64(u), err
	case Uint64:
		return buf.ReadUint64()
	case Float32:
		return buf.ReadFloat32()
	case Float64:
		return buf.ReadFloat64()
	case String:
		return buf.ReadString()
	}
	return nil, fmt.Errorf("%w: %s is not a primitive", ErrTypeMismatch, t)
}
