package client

import (
	"context"
	"os"
	"testing"
	"time"

	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"github.com/go-playground/assert/v2"
	"golang.org/x/exp/slog"
)

const defaultWaitTime = 2 * time.Second

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

var origin = protocol.ClientOrigin(1, "device")

type recordingWriter struct {
	messages chan protocol.Message
}

func (w *recordingWriter) Write(_ context.Context, msg protocol.Message) error {
	w.messages <- msg
	return nil
}

func (w *recordingWriter) next(t *testing.T) protocol.Message {
	t.Helper()

	select {
	case msg := <-w.messages:
		return msg
	case <-time.After(defaultWaitTime):
		t.Fatal("timed out waiting for write")
		return protocol.Message{}
	}
}

func receive(t *testing.T, ch <-chan protocol.MsgID) protocol.MsgID {
	t.Helper()

	select {
	case msgID := <-ch:
		return msgID
	case <-time.After(defaultWaitTime):
		t.Fatal("timed out waiting for completion")
		return 0
	}
}

func TestSinkSendsInitFirstAndCompacts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &recordingWriter{messages: make(chan protocol.Message, 16)}
	sink := NewSink(testLogger, 1, writer, DefaultSinkConfig())

	doc := crdt.New("local")
	x := crdt.EncodeUpdateMessage(doc.Set(origin, "x", []byte("1")))
	y := crdt.EncodeUpdateMessage(doc.Set(origin, "y", []byte("2")))

	first := sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewUpdateSync(origin, "doc", x, msgID)
	})
	second := sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewUpdateSync(origin, "doc", y, msgID)
	})
	handshake := sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewClientInit(origin, "doc", protocol.CollabTypeDocument, "ws", msgID, crdt.EncodeSyncStep1(nil))
	})

	go func() {
		_ = sink.Run(ctx)
	}()

	msg := writer.next(t)
	assert.Equal(t, msg.Type, protocol.ClientInit)
	assert.Equal(t, msg.MsgID, protocol.MsgID(3))
	sink.Ack(3)
	assert.Equal(t, receive(t, handshake), protocol.MsgID(3))

	msg = writer.next(t)
	assert.Equal(t, msg.Type, protocol.ClientUpdateSync)
	assert.Equal(t, msg.MsgID, protocol.MsgID(1))

	replica := crdt.New("replica")
	if _, err := replica.ApplySyncMessage(protocol.ServerOrigin, msg.Payload); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, replica.Keys(), []string{"x", "y"})

	// a stale ack does not complete the message in flight
	sink.Ack(2)
	sink.Ack(1)
	assert.Equal(t, receive(t, first), protocol.MsgID(1))
	assert.Equal(t, receive(t, second), protocol.MsgID(2))
	assert.Equal(t, sink.Len(), 0)
}

func TestSinkRetransmitsUntilDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &recordingWriter{messages: make(chan protocol.Message, 16)}
	sink := NewSink(testLogger, 1, writer, SinkConfig{
		MaxPayloadSize: 1024,
		AckTimeout:     20 * time.Millisecond,
		MaxRetransmits: 2,
	})

	done := sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewUpdateSync(origin, "doc", []byte{1}, msgID)
	})

	go func() {
		_ = sink.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		msg := writer.next(t)
		assert.Equal(t, msg.MsgID, protocol.MsgID(1))
	}

	select {
	case msg := <-writer.messages:
		t.Fatalf("unexpected retransmission %v", msg)
	case <-done:
		t.Fatal("timed out message completed")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, sink.Len(), 0)
}

func TestSinkStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	writer := &recordingWriter{messages: make(chan protocol.Message, 16)}
	sink := NewSink(testLogger, 1, writer, DefaultSinkConfig())

	errs := make(chan error, 1)
	go func() {
		errs <- sink.Run(ctx)
	}()

	sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewUpdateSync(origin, "doc", []byte{1}, msgID)
	})
	writer.next(t)

	cancel()
	select {
	case err := <-errs:
		assert.Equal(t, err, context.Canceled)
	case <-time.After(defaultWaitTime):
		t.Fatal("sink did not stop")
	}

	// the unacknowledged message is kept for the next run
	assert.Equal(t, sink.Len(), 1)
}
