package collab

import (
	"context"
	"sync"

	"collabsync/realtime/internal/protocol"
)

// broadcastChannel is a bounded multi-producer, multi-consumer channel. Every
// receiver sees every message sent after it subscribed, in send order. When a
// receiver falls more than capacity messages behind, the oldest messages are
// overwritten and its next Recv reports a LaggedError.
type broadcastChannel struct {
	mu        sync.Mutex
	ring      []protocol.Message
	capacity  uint64
	tail      uint64
	receivers int
	closed    bool
	wake      chan struct{}
}

func newBroadcastChannel(capacity int) *broadcastChannel {
	if capacity < 1 {
		capacity = 1
	}

	return &broadcastChannel{
		ring:     make([]protocol.Message, capacity),
		capacity: uint64(capacity),
		wake:     make(chan struct{}),
	}
}

// Send publishes msg and returns the number of receivers it reached.
func (c *broadcastChannel) Send(msg protocol.Message) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrChannelClosed
	}

	if c.receivers == 0 {
		return 0, ErrNoSubscribers
	}

	c.ring[c.tail%c.capacity] = msg
	c.tail += 1

	close(c.wake)
	c.wake = make(chan struct{})

	return c.receivers, nil
}

func (c *broadcastChannel) Subscribe() *receiver {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receivers += 1
	return &receiver{
		channel: c,
		next:    c.tail,
	}
}

func (c *broadcastChannel) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// Close wakes every receiver; they drain what is buffered and then get
// ErrChannelClosed.
func (c *broadcastChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.wake)
}

type receiver struct {
	channel *broadcastChannel
	next    uint64
	once    sync.Once
}

func (r *receiver) Recv(ctx context.Context) (protocol.Message, error) {
	c := r.channel

	for {
		c.mu.Lock()

		if r.next < c.tail {
			oldest := uint64(0)
			if c.tail > c.capacity {
				oldest = c.tail - c.capacity
			}

			if r.next < oldest {
				missed := oldest - r.next
				r.next = oldest
				c.mu.Unlock()
				return protocol.Message{}, &LaggedError{Missed: missed}
			}

			msg := c.ring[r.next%c.capacity]
			r.next += 1
			c.mu.Unlock()
			return msg, nil
		}

		if c.closed {
			c.mu.Unlock()
			return protocol.Message{}, ErrChannelClosed
		}

		wake := c.wake
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-wake:
		}
	}
}

func (r *receiver) Close() {
	r.once.Do(func() {
		r.channel.mu.Lock()
		defer r.channel.mu.Unlock()
		r.channel.receivers -= 1
	})
}
