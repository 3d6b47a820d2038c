package eventbus

import "testing"

func TestSubscribePublishDelivers(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("order-1")
	defer unsubscribe()

	b.Publish(Event{OrderID: "order-1", Status: "routing"})

	select {
	case e := <-ch:
		if e.Status != "routing" {
			t.Fatalf("received Status = %q, want routing", e.Status)
		}
	default:
		t.Fatalf("expected a buffered event to be immediately readable")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New()
	chA, unsubA := b.Subscribe("order-a")
	defer unsubA()
	chB, unsubB := b.Subscribe("order-b")
	defer unsubB()

	b.Publish(Event{OrderID: "order-a", Status: "routing"})

	select {
	case <-chB:
		t.Fatalf("order-b's subscriber received an event published to order-a's topic")
	default:
	}
	select {
	case <-chA:
	default:
		t.Fatalf("order-a's subscriber did not receive its own topic's event")
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("order-1")
	unsubscribe()

	b.Publish(Event{OrderID: "order-1", Status: "routing"})

	_, open := <-ch
	if open {
		t.Fatalf("channel still open after unsubscribe")
	}
}

func TestUnsubscribeIsSafeToCallTwice(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe("order-1")
	unsubscribe()
	unsubscribe() // must not panic on double-close
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	if got := b.SubscriberCount("order-1"); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 before any subscriber", got)
	}
	_, unsub1 := b.Subscribe("order-1")
	_, unsub2 := b.Subscribe("order-1")
	if got := b.SubscriberCount("order-1"); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}
	unsub1()
	if got := b.SubscriberCount("order-1"); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1 after one unsubscribe", got)
	}
	unsub2()
}

func TestPublishToFullBufferDropsRatherThanBlocks(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe("order-1")
	defer unsubscribe()

	// Flood past the buffer capacity; Publish must never block even
	// though nothing is draining the channel.
	for i := 0; i < 100; i++ {
		b.Publish(Event{OrderID: "order-1", Status: "routing"})
	}
}

func TestCloseAllClosesEveryTopic(t *testing.T) {
	b := New()
	chA, _ := b.Subscribe("order-a")
	chB, _ := b.Subscribe("order-b")

	b.CloseAll()

	if _, open := <-chA; open {
		t.Fatalf("order-a channel still open after CloseAll")
	}
	if _, open := <-chB; open {
		t.Fatalf("order-b channel still open after CloseAll")
	}
	if got := b.SubscriberCount("order-a"); got != 0 {
		t.Fatalf("SubscriberCount() = %d after CloseAll, want 0", got)
	}
}
