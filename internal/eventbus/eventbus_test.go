package eventbus

import (
	"testing"
	"time"

	"github.com/elemental-run/agentcore/pkg/models"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")

	for i := 0; i < 5; i++ {
		b.Publish("s1", models.SessionEvent{Kind: models.EventAssistant, SessionID: "s1", Text: string(rune('a' + i))})
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.Events():
			if e.Text != string(rune('a'+i)) {
				t.Fatalf("event %d: got text %q, want %q", i, e.Text, string(rune('a'+i)))
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out waiting", i)
		}
	}
}

func TestBus_SlowConsumerEviction(t *testing.T) {
	b := New(WithBufferSize(64))
	fast := b.Subscribe("s1")
	// WithBufferSize applies bus-wide, so the eviction subject lives on a
	// second bus configured with buffer 1; every event goes to both buses.
	evBus := New(WithBufferSize(1))
	slowSub := evBus.Subscribe("s1")

	start := time.Now()
	const n = 10
	for i := 0; i < n; i++ {
		ev := models.SessionEvent{Kind: models.EventAssistant, SessionID: "s1"}
		b.Publish("s1", ev)
		evBus.Publish("s1", ev)
	}
	elapsed := time.Since(start)
	if elapsed > 100*time.Millisecond {
		t.Errorf("publish loop took %v, want < 100ms (producer must never block)", elapsed)
	}

	received := 0
	drain := time.After(time.Second)
	for {
		select {
		case _, ok := <-fast.Events():
			if !ok {
				t.Fatalf("fast subscriber channel closed early after %d events", received)
			}
			received++
			if received == n {
				goto doneFast
			}
		case <-drain:
			t.Fatalf("fast subscriber only received %d/%d events", received, n)
		}
	}
doneFast:

	var sawSlowConsumerError bool
	var sawClose bool
	drain2 := time.After(time.Second)
	for !sawClose {
		select {
		case e, ok := <-slowSub.Events():
			if !ok {
				sawClose = true
				break
			}
			if e.Kind == models.EventError && e.ErrorReason == "slow_consumer" {
				sawSlowConsumerError = true
			}
		case <-drain2:
			t.Fatal("timed out waiting for slow subscriber to be evicted")
		}
	}
	if !sawSlowConsumerError {
		t.Error("evicted subscriber never saw a slow_consumer error event")
	}
}

func TestBus_CloseSessionEmitsTerminalAndCloses(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	b.Publish("s1", models.SessionEvent{Kind: models.EventAssistant, SessionID: "s1"})
	b.CloseSession("s1")

	var gotAssistant, gotTerminal bool
	for e := range sub.Events() {
		if e.Kind == models.EventAssistant {
			gotAssistant = true
		}
		if e.Kind == models.EventResult && e.Subtype == "exit" {
			gotTerminal = true
		}
	}
	if !gotAssistant || !gotTerminal {
		t.Errorf("gotAssistant=%v gotTerminal=%v, want both true", gotAssistant, gotTerminal)
	}
}

func TestBus_SubscribeAfterCloseYieldsClosedStream(t *testing.T) {
	b := New()
	b.CloseSession("s1")

	sub := b.Subscribe("s1")
	_, ok := <-sub.Events()
	if ok {
		t.Error("subscribing after close should yield an already-closed channel")
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	sub.Close()
	sub.Close() // must not panic
	if b.SubscriberCount("s1") != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.SubscriberCount("s1"))
	}
}
