package server

import (
	"bytes"
	"errors"
	"testing"
)

func TestBinaryCodec(t *testing.T) {
	codec := BinaryCodec{}
	in := Frame{Kind: KindMessage, Room: "room", Type: "move", Data: []byte{1, 2, 3}}

	p, err := codec.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := codec.Decode(p)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != in.Kind || out.Room != in.Room || out.Type != in.Type || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
}

func TestBinaryCodecRejects(t *testing.T) {
	valid, _ := BinaryCodec{}.Encode(Frame{Kind: KindPatch, Room: "r", Data: []byte{9}})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{0x7F, 0, 0, 0}},
		{"zero kind", []byte{0, 0, 0, 0}},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(append([]byte{}, valid...), 0)},
		{"room overflow", []byte{byte(KindPatch), 10, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (BinaryCodec{}).Decode(tt.data); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}

	if _, err := (BinaryCodec{}).Encode(Frame{}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame for a frame without kind, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	in := Handshake{SessionID: "s", RoomID: "r", Reflection: []byte{1, 2}}
	p, err := in.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var out Handshake
	if err := out.UnmarshalBinary(p); err != nil {
		t.Fatal(err)
	}
	if out.SessionID != "s" || out.RoomID != "r" || !bytes.Equal(out.Reflection, in.Reflection) {
		t.Errorf("Expected %+v, got %+v", in, out)
	}

	if err := out.UnmarshalBinary(p[:2]); !errors.Is(err, ErrHandshakeInvalid) {
		t.Errorf("Expected ErrHandshakeInvalid, got %v", err)
	}
}
