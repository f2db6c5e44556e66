// Package client implements the sending side of a collab connection: an
// outbound sink that queues messages by priority, compacts bursts of updates
// and waits for the server to acknowledge each message before sending the
// next one.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"collabsync/realtime/internal/queue"
	"golang.org/x/exp/slog"
)

// Writer sends one message to the server.
type Writer interface {
	Write(ctx context.Context, msg protocol.Message) error
}

type SinkConfig struct {
	// MaxPayloadSize stops compaction once a queued update grows past it.
	MaxPayloadSize int
	// AckTimeout is how long a sent message waits for its ack before it is
	// sent again.
	AckTimeout time.Duration
	// MaxRetransmits is the number of times an unacknowledged message is
	// sent again before it is dropped.
	MaxRetransmits int
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		MaxPayloadSize: 1024 * 1024,
		AckTimeout:     5 * time.Second,
		MaxRetransmits: 3,
	}
}

type Sink struct {
	logger *slog.Logger
	writer Writer
	config SinkConfig

	mu          sync.Mutex
	queue       *queue.PendingQueue
	msgID       protocol.MsgID
	retransmits map[protocol.MsgID]int

	wake chan struct{}
	acks chan protocol.MsgID
}

func NewSink(logger *slog.Logger, uid int64, writer Writer, config SinkConfig) *Sink {
	return &Sink{
		logger:      logger,
		writer:      writer,
		config:      config,
		queue:       queue.New(logger, uid),
		retransmits: map[protocol.MsgID]int{},
		wake:        make(chan struct{}, 1),
		acks:        make(chan protocol.MsgID, 64),
	}
}

// Queue assigns the next msg id to the message built by build and queues it.
// The returned channel receives the msg id once the server acknowledged it.
func (s *Sink) Queue(build func(msgID protocol.MsgID) protocol.Message) <-chan protocol.MsgID {
	s.mu.Lock()
	s.msgID += 1
	msgID := s.msgID
	notify := make(queue.Notifier, 1)
	p := s.queue.Push(msgID, build(msgID))
	p.SetNotifier(notify)
	s.mu.Unlock()

	s.notify()
	return notify
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Ack records the acknowledgment of msgID.
func (s *Sink) Ack(msgID protocol.MsgID) {
	select {
	case s.acks <- msgID:
	default:
		s.logger.Warn("dropping ack, sink is not draining", slog.Uint64("msg_id", msgID))
	}
}

func (s *Sink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the highest ranked message, merging queued updates into it.
func (s *Sink) next() (*queue.PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.queue.Pop()
	if !ok {
		return nil, false
	}

	for s.queue.TryMerge(p, s.config.MaxPayloadSize, crdt.MergePayloads) {
	}

	s.queue.Mark(p, queue.StateProcessing)
	return p, true
}

// Run sends queued messages one at a time until ctx is done or a write
// fails.
func (s *Sink) Run(ctx context.Context) error {
	for {
		p, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.writer.Write(ctx, p.Message()); err != nil {
			s.requeue(p)
			return fmt.Errorf("send %v: %w", p.Message(), err)
		}

		if err := s.await(ctx, p); err != nil {
			return err
		}
	}
}

func (s *Sink) await(ctx context.Context, p *queue.PendingMessage) error {
	timer := time.NewTimer(s.config.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case msgID := <-s.acks:
			if msgID != p.MsgID() {
				s.logger.Debug("ignoring stale ack", slog.Uint64("msg_id", msgID), slog.Uint64("waiting", p.MsgID()))
				continue
			}

			s.mu.Lock()
			s.queue.Mark(p, queue.StateDone)
			delete(s.retransmits, p.MsgID())
			s.mu.Unlock()
			return nil

		case <-timer.C:
			s.mu.Lock()
			s.queue.Mark(p, queue.StateTimeout)
			s.mu.Unlock()

			s.retransmit(p)
			return nil

		case <-ctx.Done():
			s.requeue(p)
			return ctx.Err()
		}
	}
}

func (s *Sink) retransmit(p *queue.PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retransmits[p.MsgID()] += 1
	if s.retransmits[p.MsgID()] > s.config.MaxRetransmits {
		delete(s.retransmits, p.MsgID())
		s.logger.Warn("dropping unacknowledged message", slog.String("message", p.Message().String()))
		return
	}

	s.logger.Debug("retransmitting message", slog.String("message", p.Message().String()))
	s.queue.PushMessage(p)
}

func (s *Sink) requeue(p *queue.PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.PushMessage(p)
}
