// Package queue holds bots waiting for a warm-pool slot and drains them in
// priority-then-FIFO order. The notifier is a push layer on top of the
// database queue: producers signal after an enqueue or a slot release so the
// drain worker wakes immediately instead of waiting out its poll interval.
package queue

import (
	"context"
	"sync"
)

// Topic names a wake-up channel.
type Topic string

const (
	// TopicDrain wakes the drain worker: a bot was enqueued or a slot freed.
	TopicDrain Topic = "drain"
)

// Notifier pushes wake-up signals to subscribed workers. It complements the
// durable queue rather than replacing it; a lost signal only costs one poll
// interval of latency.
type Notifier interface {
	// Notify signals that the topic has new work.
	Notify(ctx context.Context, topic Topic) error

	// Subscribe returns a channel that fires when the topic is notified.
	// The channel closes when the context is cancelled or the notifier
	// closed.
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}

	Close() error
}

// NoopNotifier never signals; workers fall back to pure polling.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(context.Context, Topic) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ Topic) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is the in-process notifier for single-instance deployments.
type ChannelNotifier struct {
	mu     sync.Mutex
	subs   map[Topic][]chan struct{}
	closed bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{subs: make(map[Topic][]chan struct{})}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending signal.
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs[topic] = append(n.subs[topic], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[topic]
		for i, s := range subs {
			if s == ch {
				n.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subs = nil
	return nil
}
