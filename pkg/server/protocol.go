package server

import (
	"encoding/json"
	"fmt"

	"github.com/QYUbit/roomsync/pkg/wire"
)

// FrameKind tells what a frame carries.
type FrameKind uint8

const (
	// Server to client
	KindHandshake FrameKind = iota + 1
	KindFullState
	KindPatch
	KindError

	// Both directions
	KindMessage

	// Client to server
	KindJoin
	KindLeave
	KindResync
)

func (k FrameKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindFullState:
		return "full-state"
	case KindPatch:
		return "patch"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindResync:
		return "resync"
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// Frame is the unit exchanged between client and server. Room and Type
// are optional depending on the kind:
//
//	Join      Room: room id (or empty), Type: room type, Data: token
//	Message   Room: room id, Type: message type, Data: payload
//	Handshake Room: room id, Data: Handshake
//	FullState Room: room id, Data: patch adding the whole state
//	Patch     Room: room id, Data: patch
//	Error     Room: room id, Data: reason
type Frame struct {
	Kind FrameKind
	Room string
	Type string
	Data []byte
}

// Codec converts frames to transport messages and back.
type Codec interface {
	Encode(f Frame) ([]byte, error)
	Decode(p []byte) (Frame, error)
}

// BinaryCodec writes the kind byte followed by the uvarint length prefixed
// room, type and data.
type BinaryCodec struct{}

func (BinaryCodec) Encode(f Frame) ([]byte, error) {
	if f.Kind == 0 || f.Kind > KindResync {
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedFrame, f.Kind)
	}

	buf := wire.NewBuffer()
	buf.WriteByte(byte(f.Kind))
	buf.WriteString(f.Room)
	buf.WriteString(f.Type)
	buf.WriteBlock(f.Data)
	return buf.Bytes(), nil
}

func (BinaryCodec) Decode(p []byte) (f Frame, err error) {
	buf := wire.NewBufferFrom(p)

	kind, err := buf.ReadByte()
	if err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Kind = FrameKind(kind)
	if f.Kind == 0 || f.Kind > KindResync {
		return f, fmt.Errorf("%w: kind %d", ErrMalformedFrame, kind)
	}

	if f.Room, err = buf.ReadString(); err != nil {
		return f, fmt.Errorf("%w: room: %v", ErrMalformedFrame, err)
	}
	if f.Type, err = buf.ReadString(); err != nil {
		return f, fmt.Errorf("%w: type: %v", ErrMalformedFrame, err)
	}
	if f.Data, err = buf.ReadBlock(); err != nil {
		return f, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
	}
	if buf.Remaining() != 0 {
		return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, buf.Remaining())
	}
	return f, nil
}

// Handshake is sent to a member before its first full state and again on
// every resync. Reflection describes the state types.
type Handshake struct {
	SessionID  string
	RoomID     string
	Reflection []byte
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := wire.NewBuffer()
	buf.WriteString(h.SessionID)
	buf.WriteString(h.RoomID)
	buf.WriteBlock(h.Reflection)
	return buf.Bytes(), nil
}

func (h *Handshake) UnmarshalBinary(p []byte) (err error) {
	buf := wire.NewBufferFrom(p)
	if h.SessionID, err = buf.ReadString(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeInvalid, err)
	}
	if h.RoomID, err = buf.ReadString(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeInvalid, err)
	}
	if h.Reflection, err = buf.ReadBlock(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeInvalid, err)
	}
	return nil
}

type Marshaler interface {
	Marshal(v any) (p []byte, err error)
}

type Unmarshaler interface {
	Unmarshal(v any, p []byte) (err error)
}

// Serializer encodes application message payloads.
type Serializer interface {
	Marshaler
	Unmarshaler
}

type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(v any, p []byte) error {
	return json.Unmarshal(p, v)
}

func marshalPayload(s Serializer, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	default:
		return s.Marshal(v)
	}
}
