package collab

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"collabsync/realtime/internal/protocol"
	"golang.org/x/exp/slog"
)

const defaultWaitTime = 2 * time.Second

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func testConfig() Config {
	config := DefaultConfig()
	config.RetryInterval = 10 * time.Millisecond
	return config
}

type recordingConn struct {
	messages chan protocol.Message
}

func newRecordingConn() *recordingConn {
	return &recordingConn{messages: make(chan protocol.Message, 256)}
}

func (c *recordingConn) Write(ctx context.Context, msg protocol.Message) error {
	select {
	case c.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *recordingConn) Send(ctx context.Context, msg protocol.Message) error {
	return c.Write(ctx, msg)
}

// waitFor returns the first message matching match, discarding others.
func (c *recordingConn) waitFor(t *testing.T, match func(protocol.Message) bool) protocol.Message {
	t.Helper()

	timeout := time.After(defaultWaitTime)
	for {
		select {
		case msg := <-c.messages:
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
			return protocol.Message{}
		}
	}
}

// expectNone fails if a message matching match arrives within wait.
func (c *recordingConn) expectNone(t *testing.T, wait time.Duration, match func(protocol.Message) bool) {
	t.Helper()

	timeout := time.After(wait)
	for {
		select {
		case msg := <-c.messages:
			if match(msg) {
				t.Fatalf("unexpected message %v", msg)
			}
		case <-timeout:
			return
		}
	}
}

func isAck(msgID protocol.MsgID) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		return msg.Type == protocol.ClientUpdateAck && msg.MsgID == msgID
	}
}

func isType(typ protocol.MessageType) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		return msg.Type == typ
	}
}

type chanStream struct {
	messages chan protocol.Message
}

func newChanStream() *chanStream {
	return &chanStream{messages: make(chan protocol.Message, 16)}
}

func (s *chanStream) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-s.messages:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

type fakeStorage struct {
	mu       sync.Mutex
	inserted []string
	err      error
}

func (s *fakeStorage) CollabExists(_ context.Context, objectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false, s.err
	}
	for _, id := range s.inserted {
		if id == objectID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStorage) InsertCollab(_ context.Context, _ int64, _, objectID string, _ protocol.CollabType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserted = append(s.inserted, objectID)
	return nil
}

func (s *fakeStorage) Inserted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.inserted...)
}

var errAccessBackend = errors.New("access backend unavailable")

type fakeAccess struct {
	denyReceive map[int64]bool
	denySend    map[int64]bool
	failing     map[int64]bool
}

func (a *fakeAccess) CanReceiveUpdate(_ context.Context, uid int64, _ string) (bool, error) {
	if a.failing[uid] {
		return false, errAccessBackend
	}
	return !a.denyReceive[uid], nil
}

func (a *fakeAccess) CanSendUpdate(_ context.Context, uid int64, _ string) (bool, error) {
	if a.failing[uid] {
		return false, errAccessBackend
	}
	return !a.denySend[uid], nil
}

func eventually(t *testing.T, what string, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(defaultWaitTime)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

// blockingStorage holds CollabExists for object until release is closed.
type blockingStorage struct {
	fakeStorage
	object  string
	entered chan struct{}
	release chan struct{}
}

func newBlockingStorage(object string) *blockingStorage {
	return &blockingStorage{
		object:  object,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *blockingStorage) CollabExists(ctx context.Context, objectID string) (bool, error) {
	if objectID == s.object {
		select {
		case s.entered <- struct{}{}:
		default:
		}

		select {
		case <-s.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.fakeStorage.CollabExists(ctx, objectID)
}

func (s *blockingStorage) waitEntered(t *testing.T) {
	t.Helper()

	select {
	case <-s.entered:
	case <-time.After(defaultWaitTime):
		t.Fatal("storage was not consulted")
	}
}

type fakeRelay struct {
	*recordingConn

	mu     sync.Mutex
	joined map[string]int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{recordingConn: newRecordingConn(), joined: map[string]int{}}
}

func (r *fakeRelay) Join(_ context.Context, objectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.joined[objectID]++
	return nil
}

func (r *fakeRelay) Leave(_ context.Context, objectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.joined[objectID]--
	return nil
}

func (r *fakeRelay) Publish(ctx context.Context, msg protocol.Message) error {
	return r.Write(ctx, msg)
}

func (r *fakeRelay) Joined(objectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.joined[objectID]
}
