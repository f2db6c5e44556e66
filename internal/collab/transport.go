package collab

import (
	"context"
	"io"
	"sync"

	"collabsync/realtime/internal/protocol"
	"golang.org/x/exp/slog"
)

// Sink writes messages to a peer.
type Sink interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Stream yields messages from a peer. Recv returns io.EOF once the peer is
// gone and an error wrapping protocol.ErrMalformed for a frame that could not
// be decoded.
type Stream interface {
	Recv(ctx context.Context) (protocol.Message, error)
}

// Conn is the framed transport of one client connection, shared by every
// document the client edits.
type Conn interface {
	Write(ctx context.Context, msg protocol.Message) error
}

// Filter decides whether msg may pass between objectID's group and a client.
type Filter func(ctx context.Context, objectID string, msg protocol.Message) bool

// ClientStream demultiplexes the inbound messages of one connection into
// per-document streams and gives every document a filtered sink onto the
// connection.
type ClientStream struct {
	user   RealtimeUser
	conn   Conn
	logger *slog.Logger
	buffer int

	mu      sync.Mutex
	objects map[string]*objectChannel
	done    chan struct{}
	closed  bool
}

type objectChannel struct {
	messages chan protocol.Message
	done     chan struct{}
	once     sync.Once
}

func (o *objectChannel) close() {
	o.once.Do(func() {
		close(o.done)
	})
}

func NewClientStream(logger *slog.Logger, user RealtimeUser, conn Conn, buffer int) *ClientStream {
	return &ClientStream{
		user:    user,
		conn:    conn,
		logger:  logger.With(slog.String("connection", user.ConnID)),
		buffer:  buffer,
		objects: map[string]*objectChannel{},
		done:    make(chan struct{}),
	}
}

func (c *ClientStream) User() RealtimeUser {
	return c.user
}

// Channel returns the sink/stream pair of objectID. Messages written to the
// sink reach the connection only when sinkFilter allows them; messages
// dispatched to objectID surface on the stream only when streamFilter allows
// them.
func (c *ClientStream) Channel(objectID string, sinkFilter, streamFilter Filter) (Sink, Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()

	object, ok := c.objects[objectID]
	if !ok {
		object = &objectChannel{
			messages: make(chan protocol.Message, c.buffer),
			done:     make(chan struct{}),
		}
		c.objects[objectID] = object
	}

	sink := &filteredSink{
		objectID: objectID,
		conn:     c.conn,
		filter:   sinkFilter,
	}

	stream := &filteredStream{
		objectID: objectID,
		object:   object,
		done:     c.done,
		filter:   streamFilter,
	}

	return sink, stream
}

// Dispatch routes an inbound message to the stream of its document. Messages
// for documents without a channel are dropped.
func (c *ClientStream) Dispatch(ctx context.Context, msg protocol.Message) bool {
	c.mu.Lock()
	object, ok := c.objects[msg.ObjectID]
	closed := c.closed
	c.mu.Unlock()

	if closed || !ok {
		c.logger.Debug("no stream for message", slog.String("message", msg.String()))
		return false
	}

	select {
	case object.messages <- msg:
		return true
	case <-object.done:
		return false
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// RemoveChannel ends the stream of objectID.
func (c *ClientStream) RemoveChannel(objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if object, ok := c.objects[objectID]; ok {
		object.close()
		delete(c.objects, objectID)
	}
}

// Close ends every stream of the connection.
func (c *ClientStream) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.done)
	for objectID, object := range c.objects {
		object.close()
		delete(c.objects, objectID)
	}
}

type filteredSink struct {
	objectID string
	conn     Conn
	filter   Filter
}

func (s *filteredSink) Send(ctx context.Context, msg protocol.Message) error {
	if s.filter != nil && !s.filter(ctx, s.objectID, msg) {
		return nil
	}
	return s.conn.Write(ctx, msg)
}

type filteredStream struct {
	objectID string
	object   *objectChannel
	done     chan struct{}
	filter   Filter
}

func (s *filteredStream) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		select {
		case msg := <-s.object.messages:
			if s.filter != nil && !s.filter(ctx, s.objectID, msg) {
				continue
			}
			return msg, nil
		case <-s.object.done:
			return protocol.Message{}, io.EOF
		case <-s.done:
			return protocol.Message{}, io.EOF
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// lockedSink guards a sink shared by the tasks of a subscription.
type lockedSink struct {
	mu   sync.Mutex
	sink Sink
}

// trySend writes msg unless another writer holds the sink.
func (s *lockedSink) trySend(ctx context.Context, msg protocol.Message) error {
	if !s.mu.TryLock() {
		return ErrLockContention
	}
	defer s.mu.Unlock()

	return s.sink.Send(ctx, msg)
}

func (s *lockedSink) send(ctx context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sink.Send(ctx, msg)
}
