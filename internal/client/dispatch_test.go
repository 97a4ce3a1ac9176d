package client

import (
	"errors"
	"testing"

	"github.com/cwrk-planet/chat-relay/internal/protocol"
)

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(quiet())
	var got []string
	d.Handle("a", func(f protocol.Frame) error { got = append(got, f.Type); return nil })
	d.Handle("b", func(protocol.Frame) error { return errors.New("bad payload") })

	if !d.Dispatch(protocol.Frame{Type: "a"}) {
		t.Fatalf("known type must be handled")
	}
	if d.Dispatch(protocol.Frame{Type: "b"}) {
		t.Fatalf("handler error reports not handled")
	}
	if d.Dispatch(protocol.Frame{Type: "zzz"}) {
		t.Fatalf("unknown type must be dropped")
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected calls %v", got)
	}
}
