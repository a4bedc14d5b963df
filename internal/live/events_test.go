package live

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shannon-team/chatcore/internal/bus"
	"go.uber.org/zap"
)

func frame(t *testing.T, frameType string, data any) Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return Frame{Type: frameType, Data: raw}
}

func recvEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return bus.Event{}
	}
}

func TestHandlerPublishesNewMessage(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, zap.NewNop())
	ch, unsub := b.Subscribe("live.", 10)
	defer unsub()

	h.Handle(frame(t, TypeNewMessage, WireMessage{
		ID: "m1", SessionID: "s1", SenderID: "u2", Body: "hi", Timestamp: 1000,
	}))

	evt := recvEvent(t, ch)
	if evt.Kind != bus.KindLiveMessage {
		t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindLiveMessage)
	}
	w := evt.Payload.(*WireMessage)
	if w.ID != "m1" || w.Body != "hi" {
		t.Errorf("payload = %+v", w)
	}
	sm := w.ToStoreMessage()
	if sm.ContentType != "text" {
		t.Errorf("content type = %q, want text default", sm.ContentType)
	}
}

func TestHandlerTypingCarriesDirection(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, zap.NewNop())
	ch, unsub := b.Subscribe("live.typing", 10)
	defer unsub()

	h.Handle(frame(t, TypeTypingStart, TypingPayload{SessionID: "s1", UserID: "u2"}))
	if p := recvEvent(t, ch).Payload.(*TypingPayload); !p.Started {
		t.Error("typing-start parsed with Started=false")
	}

	h.Handle(frame(t, TypeTypingStop, TypingPayload{SessionID: "s1", UserID: "u2"}))
	if p := recvEvent(t, ch).Payload.(*TypingPayload); p.Started {
		t.Error("typing-stop parsed with Started=true")
	}
}

func TestHandlerSignalKindFromFrameType(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, zap.NewNop())
	ch, unsub := b.Subscribe("live.signal", 10)
	defer unsub()

	for _, kind := range []string{TypeOffer, TypeAnswer, TypeCandidate} {
		h.Handle(frame(t, kind, SignalPayload{SessionID: "s1", From: "a", To: "b", Body: json.RawMessage(`{}`)}))
		p := recvEvent(t, ch).Payload.(*SignalPayload)
		if p.Kind != kind {
			t.Errorf("signal kind = %q, want %q", p.Kind, kind)
		}
	}
}

func TestHandlerDropsMalformedPayload(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, zap.NewNop())
	ch, unsub := b.Subscribe("live.", 10)
	defer unsub()

	h.Handle(Frame{Type: TypeNewMessage, Data: json.RawMessage(`{not json`)})

	select {
	case evt := <-ch:
		t.Fatalf("malformed frame published event %q", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerIgnoresUnknownType(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, zap.NewNop())
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	h.Handle(frame(t, "product-restocked", map[string]string{"sku": "x"}))

	select {
	case evt := <-ch:
		t.Fatalf("unknown frame published event %q", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
