package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/QYUbit/roomsync/pkg/transport"
)

func TestPipe(t *testing.T) {
	tr := NewTransport("test")
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, err := tr.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	server, err := tr.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}

	buf := []byte("hello")
	if err := client.WriteMessage(buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'j'

	got, err := server.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}

	server.WriteMessage([]byte("last"))
	server.Close(transport.CloseKicked, "cheating")

	got, err = client.ReadMessage()
	if err != nil || string(got) != "last" {
		t.Errorf("Expected queued message before close, got %q, %v", got, err)
	}

	_, err = client.ReadMessage()
	if code := transport.CodeOf(err); code != transport.CloseKicked {
		t.Errorf("Expected kicked, got %s", code)
	}
	if err := client.WriteMessage([]byte("x")); !errors.Is(err, transport.ErrPeerClosed) {
		t.Errorf("Expected ErrPeerClosed, got %v", err)
	}
}

func TestDialClosed(t *testing.T) {
	tr := NewTransport("test")
	tr.Close()

	// the pending queue still has room, so a closed transport must win every time
	for i := range 100 {
		if _, err := tr.Dial(context.Background()); !errors.Is(err, transport.ErrTransportClosed) {
			t.Fatalf("Dial %d: Expected ErrTransportClosed, got %v", i, err)
		}
	}
	if _, err := tr.Accept(context.Background()); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed from Accept, got %v", err)
	}
}
