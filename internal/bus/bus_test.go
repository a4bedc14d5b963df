package bus

import (
	"testing"
	"time"
)

func TestPublishMatchesNamespacePrefix(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindMessageUpserted, "payload")
	b.Emit(KindLiveTyping, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("kind = %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q delivered to message. subscriber", evt.Kind)
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("live.", 1)
	defer unsub()

	b.Emit(KindLiveMessage, 1)
	b.Emit(KindLiveMessage, 2)

	evt := <-ch
	if evt.Payload.(int) != 1 {
		t.Errorf("payload = %v, want 1", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event %v should have been dropped", evt.Payload)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	unsub()

	b.Emit(KindSessionFlash, nil)

	select {
	case <-ch:
		t.Fatal("event delivered after unsubscribe")
	default:
	}
}
