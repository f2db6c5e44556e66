package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"collabsync/realtime/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/exp/slog"
)

var tracer = otel.Tracer("collabsync/realtime/internal/collab")

// Subscription binds one connection to a Group. It runs an outbound task
// forwarding group messages to the sink and an inbound task applying stream
// messages to the document. It ends as soon as either task ends.
type Subscription struct {
	origin protocol.Origin
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// Subscribe starts a subscription for origin. It stops when ctx is done, when
// Close is called, or when either task fails.
func (g *Group) Subscribe(ctx context.Context, origin protocol.Origin, sink Sink, stream Stream) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		origin: origin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logger := g.logger.With(slog.String("origin", origin.String()))
	logger.Debug("new subscriber")

	shared := &lockedSink{sink: sink}
	rx := g.channel.Subscribe()
	g.metrics.subscribed()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.finish(g.forward(ctx, logger, origin, rx, shared))
	}()

	go func() {
		defer wg.Done()
		s.finish(g.receive(ctx, logger, stream, shared))
	}()

	go func() {
		wg.Wait()
		rx.Close()
		g.metrics.unsubscribed()
		logger.Debug("subscriber left")
	}()

	return s
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
	s.cancel()
}

func (s *Subscription) Origin() protocol.Origin {
	return s.origin
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Completed waits for the subscription to end and returns the result of the
// task that ended first.
func (s *Subscription) Completed(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both tasks.
func (s *Subscription) Close() {
	s.finish(context.Canceled)
}

// forward delivers group messages to the subscriber, except the ones it
// originated.
func (g *Group) forward(ctx context.Context, logger *slog.Logger, origin protocol.Origin, rx *receiver, sink *lockedSink) error {
	for {
		msg, err := rx.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				logger.Warn("subscriber lagged behind", slog.Uint64("missed", lagged.Missed))
				g.metrics.lag(lagged.Missed)
				continue
			}

			if errors.Is(err, ErrChannelClosed) {
				return nil
			}

			return err
		}

		if msgOrigin, ok := msg.MessageOrigin(); ok && msgOrigin == origin {
			continue
		}

		if err := deliver(ctx, g.config, sink, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.metrics.deliveryFailed()
			logger.Error("failed to broadcast message", slog.String("message", msg.String()), slog.Any("error", err))
			return err
		}
	}
}

// receive applies the messages of the subscriber to the document and
// acknowledges every message that carries a msg id.
func (g *Group) receive(ctx context.Context, logger *slog.Logger, stream Stream, sink *lockedSink) error {
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, io.EOF) {
				return nil
			}

			if errors.Is(err, protocol.ErrMalformed) {
				logger.Error("failed to decode message", slog.Any("error", err))
				continue
			}

			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		if msg.IsEmpty() {
			logger.Warn("unexpected empty payload", slog.String("message", msg.String()))
			continue
		}

		if msg.ObjectID != g.objectID {
			logger.Error("message object id does not match the group", slog.String("message", msg.String()))
			continue
		}

		reply, err := g.handle(ctx, msg)
		if err != nil {
			logger.Error("failed to apply message", slog.String("message", msg.String()), slog.Any("error", err))
			continue
		}

		msgID, ok := msg.ID()
		if !ok {
			continue
		}

		if !msg.HasOrigin() {
			logger.Warn("message has no origin", slog.String("message", msg.String()))
			continue
		}

		ack := protocol.NewUpdateAck(msg.Origin, g.objectID, reply, msgID)
		if err := sink.send(ctx, ack); err != nil {
			logger.Debug("failed to send ack", slog.String("message", ack.String()), slog.Any("error", err))
		}
	}
}

func (g *Group) handle(ctx context.Context, msg protocol.Message) ([]byte, error) {
	_, span := tracer.Start(ctx, "collab.apply")
	defer span.End()

	span.SetAttributes(
		attribute.String("object_id", g.objectID),
		attribute.String("message_type", msg.Type.String()),
		attribute.Int("payload_len", msg.Length()),
	)

	reply, err := g.apply(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return reply, err
}
