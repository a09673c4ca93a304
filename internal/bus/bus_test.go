package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 4)
	defer sub.Close()

	b.Publish("topic", 42)

	msg, ok := sub.Receive(100 * time.Millisecond)
	if !ok {
		t.Fatalf("expected a message, got timeout")
	}
	if msg.(int) != 42 {
		t.Fatalf("got %v, want 42", msg)
	}
}

func TestReceiveTimesOutWithNoPublisher(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	defer sub.Close()

	_, ok := sub.Receive(10 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout, got a message")
	}
}

func TestZeroTimeoutReceiveIsNonBlockingPoll(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 4)
	defer sub.Close()

	b.Publish("topic", "queued")

	// An enqueued message must always win a zero-timeout poll.
	msg, ok := sub.Receive(0)
	if !ok || msg.(string) != "queued" {
		t.Fatalf("expected the queued message from a zero-timeout poll, got (%v, %v)", msg, ok)
	}

	if _, ok := sub.Receive(0); ok {
		t.Fatalf("expected an empty poll to return ok=false immediately")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		// Fill the inbox, then publish again -- must not block the
		// publisher even though nobody is draining.
		b.Publish("topic", 1)
		b.Publish("topic", 2)
		b.Publish("topic", 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber channel")
	}
}

func TestClosedSubscriptionStopsReceivingNewMessages(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 4)
	sub.Close()

	b.Publish("topic", "after-close")

	// The subscriber channel was unregistered, so nothing was enqueued;
	// a fresh subscriber to the same topic should not see it either.
	sub2 := b.Subscribe("topic", 4)
	defer sub2.Close()
	_, ok := sub2.Receive(10 * time.Millisecond)
	if ok {
		t.Fatalf("expected no message delivered to a subscriber registered after publish")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New()
	a := b.Subscribe("topic", 1)
	defer a.Close()
	c := b.Subscribe("topic", 1)
	defer c.Close()

	b.Publish("topic", "hi")

	if _, ok := a.Receive(100 * time.Millisecond); !ok {
		t.Fatalf("subscriber a: expected a message")
	}
	if _, ok := c.Receive(100 * time.Millisecond); !ok {
		t.Fatalf("subscriber c: expected a message")
	}
}
