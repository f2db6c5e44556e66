package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"golang.org/x/exp/slog"
)

// Group fans the changes of one document out to every subscribed connection.
type Group struct {
	objectID string
	logger   *slog.Logger
	config   Config
	metrics  *Metrics

	// mu serializes access to doc. It is never held across network I/O.
	mu      sync.Mutex
	doc     Document
	cancels []func()
	// outbox feeds the relay. remote is set while a message from another
	// instance is applied so it is not relayed back.
	outbox chan protocol.Message
	remote bool

	channel *broadcastChannel

	subsMu      sync.Mutex
	subscribers map[RealtimeUser]*Subscription
	closed      bool
	// onIdle runs when the last subscriber left on its own.
	onIdle func()
}

func NewGroup(logger *slog.Logger, objectID string, doc Document, config Config, metrics *Metrics) *Group {
	g := &Group{
		objectID:    objectID,
		logger:      logger.With(slog.String("object", objectID)),
		config:      config,
		metrics:     metrics,
		doc:         doc,
		channel:     newBroadcastChannel(config.BroadcastCapacity),
		subscribers: map[RealtimeUser]*Subscription{},
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancels = append(g.cancels, doc.ObserveUpdate(func(origin protocol.Origin, update []byte) {
		msg := protocol.NewBroadcast(origin, objectID, crdt.EncodeUpdateMessage(update))
		g.publish(msg)
		g.relay(msg)
	}))

	g.cancels = append(g.cancels, doc.ObserveAwareness(func(update []byte) {
		msg := protocol.NewAwareness(objectID, crdt.EncodeAwarenessMessage(update))
		g.publish(msg)
		g.relay(msg)
	}))

	metrics.groupOpened()
	return g
}

func (g *Group) ObjectID() string {
	return g.objectID
}

func (g *Group) publish(msg protocol.Message) {
	n, err := g.channel.Send(msg)
	if err != nil {
		if errors.Is(err, ErrNoSubscribers) {
			g.logger.Debug("no subscribers for message", slog.String("message", msg.String()))
			return
		}
		g.logger.Warn("failed to publish message", slog.String("message", msg.String()), slog.Any("error", err))
		return
	}

	g.metrics.broadcast(msg.Type.String())
	g.logger.Debug("published message", slog.String("message", msg.String()), slog.Int("receivers", n))
}

// PublishAwareness sends an awareness message to every subscriber.
func (g *Group) PublishAwareness(msg protocol.Message) error {
	if msg.Type != protocol.ServerAwareness {
		return unexpected("publish awareness requires an awareness message, got " + msg.Type.String())
	}

	_, err := g.channel.Send(msg)
	if err != nil {
		return err
	}

	g.metrics.broadcast(msg.Type.String())
	return nil
}

// apply runs the sync handler for msg while holding the document lock.
func (g *Group) apply(msg protocol.Message) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.doc.ApplySyncMessage(msg.Origin, msg.Payload)
}

// startRelay forwards the changes of the document to the other instances and
// asks them for the state they already hold.
func (g *Group) startRelay(relay Relay) {
	g.mu.Lock()
	defer g.mu.Unlock()

	outbox := make(chan protocol.Message, g.config.BroadcastCapacity)
	g.outbox = outbox

	go func() {
		for msg := range outbox {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := relay.Publish(ctx, msg); err != nil {
				g.logger.Warn("failed to relay message", slog.String("message", msg.String()), slog.Any("error", err))
			}
			cancel()
		}
	}()

	g.enqueue(protocol.NewServerInit(protocol.ServerOrigin, g.objectID, crdt.EncodeSyncStep1(nil), 0))
}

// relay queues a change of the local document. Called with mu held.
func (g *Group) relay(msg protocol.Message) {
	if g.remote {
		return
	}
	g.enqueue(msg)
}

// enqueue never blocks, the document lock is held. Called with mu held.
func (g *Group) enqueue(msg protocol.Message) {
	if g.outbox == nil {
		return
	}

	select {
	case g.outbox <- msg:
	default:
		g.logger.Warn("relay queue is full, dropping message", slog.String("message", msg.String()))
	}
}

// applyRemote applies a message relayed by another instance. Local
// subscribers see the resulting changes; the reply to a state request goes
// back through the relay.
func (g *Group) applyRemote(msg protocol.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.remote = true
	reply, err := g.doc.ApplySyncMessage(msg.Origin, msg.Payload)
	g.remote = false

	if len(reply) > 0 {
		g.enqueue(protocol.NewBroadcast(protocol.ServerOrigin, g.objectID, reply))
	}

	return err
}

// removeAwareness drops the presence of origin and announces it to the
// remaining subscribers.
func (g *Group) removeAwareness(origin protocol.Origin) {
	g.mu.Lock()
	update := g.doc.RemoveAwareness(crdt.AwarenessClient(origin))

	if update == nil {
		g.mu.Unlock()
		return
	}

	msg := protocol.NewAwareness(g.objectID, crdt.EncodeAwarenessMessage(update))
	g.enqueue(msg)
	g.mu.Unlock()

	err := g.PublishAwareness(msg)
	if err != nil && !errors.Is(err, ErrNoSubscribers) {
		g.logger.Warn("failed to publish awareness removal", slog.String("origin", origin.String()), slog.Any("error", err))
	}
}

func (g *Group) ContainsUser(user RealtimeUser) bool {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	_, ok := g.subscribers[user]
	return ok
}

func (g *Group) Subscribers() int {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	return len(g.subscribers)
}

// subscribeUser subscribes user unless it is already subscribed. It reports
// whether a new subscription was created.
func (g *Group) subscribeUser(ctx context.Context, user RealtimeUser, origin protocol.Origin, sink Sink, stream Stream) (*Subscription, bool, error) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	if g.closed {
		return nil, false, ErrChannelClosed
	}

	if sub, ok := g.subscribers[user]; ok {
		return sub, false, nil
	}

	sub := g.Subscribe(ctx, origin, sink, stream)
	g.subscribers[user] = sub

	go func() {
		<-sub.Done()

		g.subsMu.Lock()
		idle := false
		if g.subscribers[user] == sub {
			delete(g.subscribers, user)
			idle = len(g.subscribers) == 0
		}
		onIdle := g.onIdle
		g.subsMu.Unlock()

		if idle && onIdle != nil {
			onIdle()
		}
	}()

	return sub, true, nil
}

// RemoveSubscriber closes the subscription of user. It reports whether the
// group has no subscribers left.
func (g *Group) RemoveSubscriber(user RealtimeUser) bool {
	g.subsMu.Lock()
	sub, ok := g.subscribers[user]
	delete(g.subscribers, user)
	empty := len(g.subscribers) == 0
	g.subsMu.Unlock()

	if ok {
		sub.Close()
	}

	return empty
}

// Close stops every subscription and detaches the document observers.
func (g *Group) Close() {
	g.subsMu.Lock()
	if g.closed {
		g.subsMu.Unlock()
		return
	}
	g.closed = true
	subs := make([]*Subscription, 0, len(g.subscribers))
	for user, sub := range g.subscribers {
		subs = append(subs, sub)
		delete(g.subscribers, user)
	}
	g.subsMu.Unlock()

	g.shutdown(subs)
}

// closeIfIdle closes the group only if nobody is subscribed.
func (g *Group) closeIfIdle() bool {
	g.subsMu.Lock()
	if g.closed || len(g.subscribers) > 0 {
		g.subsMu.Unlock()
		return false
	}
	g.closed = true
	g.subsMu.Unlock()

	g.shutdown(nil)
	return true
}

func (g *Group) shutdown(subs []*Subscription) {
	g.mu.Lock()
	for _, cancel := range g.cancels {
		cancel()
	}
	g.cancels = nil
	if g.outbox != nil {
		close(g.outbox)
		g.outbox = nil
	}
	g.mu.Unlock()

	g.channel.Close()
	for _, sub := range subs {
		sub.Close()
	}

	g.metrics.groupClosed()
}
