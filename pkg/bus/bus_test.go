package bus

import (
	"context"
	"testing"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg"})
	}

	mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "telegram", SenderID: "17567648", ChatID: "c1", Content: "hello"})
	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected message")
	}
	if msg.Channel != "telegram" || msg.SenderID != "17567648" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMessageBus_RegisterHandler(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	called := false
	mb.RegisterHandler("cli", func(msg OutboundMessage) error {
		called = true
		return nil
	})
	handler, ok := mb.GetHandler("cli")
	if !ok {
		t.Fatal("handler not registered")
	}
	if err := handler(OutboundMessage{Channel: "cli", Content: "hi"}); err != nil || !called {
		t.Fatalf("handler call failed: err=%v called=%v", err, called)
	}
	if _, ok := mb.GetHandler("missing"); ok {
		t.Fatal("unexpected handler for unregistered channel")
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}
