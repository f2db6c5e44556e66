package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabsync/realtime/internal/protocol"
	"github.com/go-playground/assert/v2"
)

func numbered(i int) protocol.Message {
	return protocol.NewUpdateSync(protocol.ServerOrigin, "doc", []byte{byte(i)}, protocol.MsgID(i))
}

func TestBroadcastChannelOrder(t *testing.T) {
	ctx := context.Background()
	c := newBroadcastChannel(8)

	a := c.Subscribe()
	b := c.Subscribe()

	for i := 1; i <= 3; i++ {
		n, err := c.Send(numbered(i))
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, n, 2)
	}

	for _, rx := range []*receiver{a, b} {
		for i := 1; i <= 3; i++ {
			msg, err := rx.Recv(ctx)
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, msg.MsgID, protocol.MsgID(i))
		}
	}
}

func TestBroadcastChannelNoSubscribers(t *testing.T) {
	c := newBroadcastChannel(4)

	_, err := c.Send(numbered(1))
	assert.Equal(t, errors.Is(err, ErrNoSubscribers), true)

	rx := c.Subscribe()
	rx.Close()
	rx.Close()
	assert.Equal(t, c.Receivers(), 0)
}

func TestBroadcastChannelLag(t *testing.T) {
	ctx := context.Background()
	c := newBroadcastChannel(2)
	rx := c.Subscribe()

	for i := 0; i < 5; i++ {
		if _, err := c.Send(numbered(i)); err != nil {
			t.Fatal(err)
		}
	}

	_, err := rx.Recv(ctx)
	var lagged *LaggedError
	assert.Equal(t, errors.As(err, &lagged), true)
	assert.Equal(t, lagged.Missed, uint64(3))

	msg, err := rx.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msg.MsgID, protocol.MsgID(3))

	msg, err = rx.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msg.MsgID, protocol.MsgID(4))
}

func TestBroadcastChannelClose(t *testing.T) {
	ctx := context.Background()
	c := newBroadcastChannel(4)
	rx := c.Subscribe()

	if _, err := c.Send(numbered(1)); err != nil {
		t.Fatal(err)
	}
	c.Close()

	_, err := c.Send(numbered(2))
	assert.Equal(t, errors.Is(err, ErrChannelClosed), true)

	// buffered messages drain before the closure is reported
	msg, err := rx.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msg.MsgID, protocol.MsgID(1))

	_, err = rx.Recv(ctx)
	assert.Equal(t, errors.Is(err, ErrChannelClosed), true)
}

func TestBroadcastChannelWakesReceiver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWaitTime)
	defer cancel()

	c := newBroadcastChannel(4)
	rx := c.Subscribe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Send(numbered(7))
	}()

	msg, err := rx.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msg.MsgID, protocol.MsgID(7))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()

	_, err = rx.Recv(short)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)
}
