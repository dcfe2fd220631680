package hub

import (
	"testing"

	"github.com/hyesung/avatarlink/internal/protocol"
)

func TestEmitReachesOnlyOwnSession(t *testing.T) {
	h := New(nil)
	chA, stopA := h.Register("a")
	defer stopA()
	chB, stopB := h.Register("b")
	defer stopB()

	h.Emit("a", protocol.ServerMessage{Path: protocol.PathChat, ChatResponse: "hello"})

	select {
	case msg := <-chA:
		if msg.ChatResponse != "hello" || msg.SessionID != "a" {
			t.Fatalf("msg = %+v", msg)
		}
	default:
		t.Fatal("subscriber a received nothing")
	}
	select {
	case msg := <-chB:
		t.Fatalf("subscriber b received %+v", msg)
	default:
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := New(nil)
	ch, stop := h.Register("a")
	stop()
	stop() // second call is a no-op

	if _, open := <-ch; open {
		t.Fatal("channel still open after unregister")
	}
	if h.Subscribers("a") != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers("a"))
	}
}

func TestEmitDropsWhenSaturated(t *testing.T) {
	h := New(nil)
	ch, stop := h.Register("a")
	defer stop()

	for i := 0; i < channelDepth+10; i++ {
		h.Emit("a", protocol.ServerMessage{Path: protocol.PathChat, ChatResponse: "x"})
	}
	if len(ch) != channelDepth {
		t.Fatalf("channel depth = %d", len(ch))
	}
}
