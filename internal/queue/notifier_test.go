package queue

import (
	"context"
	"testing"
	"time"
)

func TestChannelNotifierWakesSubscriber(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, TopicDrain)
	if err := n.Notify(ctx, TopicDrain); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber never woke")
	}
}

func TestChannelNotifierCoalescesSignals(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx := context.Background()
	ch := n.Subscribe(ctx, TopicDrain)

	// Multiple notifies while the subscriber is idle collapse into one
	// pending signal; none of them may block.
	for i := 0; i < 5; i++ {
		if err := n.Notify(ctx, TopicDrain); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no pending signal")
	}
	select {
	case <-ch:
		t.Fatal("signals were not coalesced")
	default:
	}
}

func TestChannelNotifierCloseClosesSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	ch := n.Subscribe(context.Background(), TopicDrain)
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	// Notify after close must not panic.
	if err := n.Notify(context.Background(), TopicDrain); err != nil {
		t.Fatalf("notify after close: %v", err)
	}
}

func TestChannelNotifierUnsubscribesOnContextCancel(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, TopicDrain)
	cancel()

	// Give the cleanup goroutine a moment, then verify the subscriber no
	// longer receives signals.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		left := len(n.subs[TopicDrain])
		n.mu.Unlock()
		if left == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := n.Notify(context.Background(), TopicDrain); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("cancelled subscriber still received a signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoopNotifierSubscribeClosesOnCancel(t *testing.T) {
	n := NewNoopNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, TopicDrain)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
