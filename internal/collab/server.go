package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/exp/slog"
)

var ErrUnknownConnection = errors.New("collab: connection is not registered")

// Server admits connections into the groups of the documents they edit.
type Server struct {
	logger  *slog.Logger
	config  Config
	metrics *Metrics
	access  AccessControl
	groups  *GroupCache

	// ctx lives as long as the server; admission retries stop once it is
	// done.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[RealtimeUser]*ClientStream
	editing map[RealtimeUser]map[Editing]struct{}
}

func NewServer(logger *slog.Logger, config Config, metrics *Metrics, storage CollabStorage, access AccessControl) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	newDoc := func(string) Document {
		return crdt.New(protocol.ServerOrigin.String())
	}

	return &Server{
		logger:  logger,
		config:  config,
		metrics: metrics,
		access:  access,
		groups:  NewGroupCache(logger, config, metrics, storage, newDoc),
		ctx:     ctx,
		cancel:  cancel,
		clients: map[RealtimeUser]*ClientStream{},
		editing: map[RealtimeUser]map[Editing]struct{}{},
	}
}

func (s *Server) Groups() *GroupCache {
	return s.groups
}

// UseRelay shares the groups of this server with other instances through
// relay. It must be called before the server admits connections.
func (s *Server) UseRelay(relay Relay) {
	s.groups.relay = relay
}

// ApplyRemote applies a message relayed by another instance to the local
// group of its document, if this instance has one open.
func (s *Server) ApplyRemote(msg protocol.Message) {
	group, ok := s.groups.Get(msg.ObjectID)
	if !ok {
		return
	}

	if err := group.applyRemote(msg); err != nil {
		s.logger.Error("failed to apply relayed message", slog.String("message", msg.String()), slog.Any("error", err))
	}
}

// Connect registers the connection of user. A previous connection
// registered for the same user is closed.
func (s *Server) Connect(user RealtimeUser, conn Conn) *ClientStream {
	stream := NewClientStream(s.logger, user, conn, s.config.StreamBuffer)

	s.mu.Lock()
	previous, ok := s.clients[user]
	s.clients[user] = stream
	s.mu.Unlock()

	if ok {
		previous.Close()
	}

	return stream
}

// HandleMessage admits user into the group of msg's document if needed and
// hands msg to the subscription of that document.
func (s *Server) HandleMessage(ctx context.Context, user RealtimeUser, msg protocol.Message) error {
	stream, ok := s.client(user)
	if !ok {
		return ErrUnknownConnection
	}

	if err := s.EnsureSubscribed(ctx, user, msg); err != nil {
		return err
	}

	stream.Dispatch(ctx, msg)
	return nil
}

// EnsureSubscribed creates the group of msg's document when needed and
// subscribes user to it. Failed attempts are retried at a fixed interval
// until the attempts run out, ctx is done or the server closes.
func (s *Server) EnsureSubscribed(ctx context.Context, user RealtimeUser, msg protocol.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	ctx, span := tracer.Start(ctx, "collab.admission")
	defer span.End()

	span.SetAttributes(
		attribute.String("object_id", msg.ObjectID),
		attribute.String("message_type", msg.Type.String()),
		attribute.String("connection", user.ConnID),
	)

	logger := s.logger.With(slog.String("object", msg.ObjectID), slog.String("connection", user.ConnID))

	err := retry(ctx, s.config, func() error {
		err := s.subscribeIfNeeded(ctx, user, msg)
		s.metrics.admissionAttempt(err)
		if errors.Is(err, ErrUnknownConnection) {
			return backoff.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		logger.Warn("admission failed, retrying", slog.Any("error", err), slog.Duration("wait", wait))
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("admission failed", slog.Any("error", err))
	}

	return err
}

func (s *Server) subscribeIfNeeded(ctx context.Context, user RealtimeUser, msg protocol.Message) error {
	objectID := msg.ObjectID

	if !s.groups.ContainsGroup(objectID) {
		if !msg.IsInit() {
			return unexpected("the first message must be init sync message")
		}

		uid, ok := msg.Origin.ClientUserID()
		if !ok {
			return unexpected("the client user id is empty")
		}

		if err := s.groups.CreateGroup(ctx, uid, msg.WorkspaceID, objectID, msg.CollabType); err != nil {
			return err
		}
	}

	if s.groups.ContainsUser(objectID, user) {
		return nil
	}

	origin, ok := msg.MessageOrigin()
	if !ok || origin.IsEmpty() {
		s.logger.Error("client message has no origin", slog.String("message", msg.String()))
		origin = protocol.EmptyOrigin
	}

	stream, ok := s.client(user)
	if !ok {
		s.logger.Warn("client stream not found", slog.String("connection", user.ConnID))
		if group, ok := s.groups.Get(objectID); ok {
			s.groups.closeIdle(objectID, group)
		}
		return ErrUnknownConnection
	}

	group, ok := s.groups.Get(objectID)
	if !ok {
		return fmt.Errorf("%w: group %v closed during admission", ErrChannelClosed, objectID)
	}

	sink, inbound := stream.Channel(objectID, s.sinkFilter(user), s.streamFilter(user))

	_, created, err := group.subscribeUser(s.ctx, user, origin, sink, inbound)
	if err != nil {
		return err
	}

	if created {
		s.mu.Lock()
		if s.clients[user] != stream {
			s.mu.Unlock()
			s.groups.RemoveUser(objectID, user, origin)
			return ErrUnknownConnection
		}

		edits, ok := s.editing[user]
		if !ok {
			edits = map[Editing]struct{}{}
			s.editing[user] = edits
		}
		edits[Editing{ObjectID: objectID, Origin: origin}] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("subscribed to group", slog.String("object", objectID), slog.String("connection", user.ConnID))
	}

	return nil
}

// sinkFilter lets a group message reach user only if user may receive
// updates of the document.
func (s *Server) sinkFilter(user RealtimeUser) Filter {
	return func(ctx context.Context, objectID string, msg protocol.Message) bool {
		if msg.ObjectID != objectID {
			return false
		}

		allowed, err := s.access.CanReceiveUpdate(ctx, user.UID, objectID)
		if err != nil {
			s.logger.Debug("receive permission check failed", slog.Int64("uid", user.UID), slog.String("object", objectID), slog.Any("error", err))
			s.metrics.permissionDrop("receive")
			return false
		}

		if !allowed {
			s.logger.Warn("user is not allowed to receive updates", slog.Int64("uid", user.UID), slog.String("object", objectID))
			s.metrics.permissionDrop("receive")
		}
		return allowed
	}
}

// streamFilter lets a message of user reach the group only if user may send
// updates to the document. Init messages always pass.
func (s *Server) streamFilter(user RealtimeUser) Filter {
	return func(ctx context.Context, objectID string, msg protocol.Message) bool {
		if msg.ObjectID != objectID {
			return false
		}

		if msg.IsInit() {
			return true
		}

		allowed, err := s.access.CanSendUpdate(ctx, user.UID, objectID)
		if err != nil {
			s.logger.Debug("send permission check failed", slog.Int64("uid", user.UID), slog.String("object", objectID), slog.Any("error", err))
			s.metrics.permissionDrop("send")
			return false
		}

		if !allowed {
			s.logger.Warn("user is not allowed to send updates", slog.Int64("uid", user.UID), slog.String("object", objectID))
			s.metrics.permissionDrop("send")
		}
		return allowed
	}
}

func (s *Server) client(user RealtimeUser) (*ClientStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.clients[user]
	return stream, ok
}

// Disconnect unsubscribes user from every document it edits, announces its
// departure to the remaining subscribers and closes groups left idle.
func (s *Server) Disconnect(user RealtimeUser) {
	s.mu.Lock()
	stream, ok := s.clients[user]
	delete(s.clients, user)
	edits := s.editing[user]
	delete(s.editing, user)
	s.mu.Unlock()

	for edit := range edits {
		s.groups.RemoveUser(edit.ObjectID, user, edit.Origin)
	}

	if ok {
		stream.Close()
	}
}

// Editing returns the documents user is subscribed to.
func (s *Server) Editing(user RealtimeUser) []Editing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edits := make([]Editing, 0, len(s.editing[user]))
	for edit := range s.editing[user] {
		edits = append(edits, edit)
	}
	return edits
}

// Close stops pending admissions and closes every group and connection.
func (s *Server) Close() {
	s.cancel()
	s.groups.Close()

	s.mu.Lock()
	clients := s.clients
	s.clients = map[RealtimeUser]*ClientStream{}
	s.editing = map[RealtimeUser]map[Editing]struct{}{}
	s.mu.Unlock()

	for _, stream := range clients {
		stream.Close()
	}
}
