package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"collabsync/realtime/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

var errUnknownConnection = errors.New("no such connection")

// dropConnection closes connection id, either here or by asking the instance
// that holds it.
func dropConnection(ctx context.Context, state *State, rdb *redis.Client, id string) (bool, error) {
	if state.Drop(id) {
		return true, nil
	}

	instanceID, err := rdb.HGet(ctx, registryKey(id), "inst").Result()
	if err == redis.Nil {
		return false, errUnknownConnection
	} else if err != nil {
		return false, err
	}

	bEvent, err := json.Marshal(Event{Type: EventTypeDrop, ID: id})
	if err != nil {
		return false, err
	}

	return false, rdb.Publish(ctx, instanceID, string(bEvent)).Err()
}

func DropHandler(logger *slog.Logger, state *State, rdb *redis.Client, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" || verifier(r) != id {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		local, err := dropConnection(r.Context(), state, rdb, id)
		if errors.Is(err, errUnknownConnection) {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			logger.Error("failed to drop connection", slog.String("connection", id), slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if local {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// DropUserHandler closes every connection of a user, on every instance. The
// request is signed for the uid.
func DropUserHandler(logger *slog.Logger, state *State, rdb *redis.Client, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sUID := chi.URLParam(r, "uid")
		uid, err := strconv.ParseInt(sUID, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if verifier(r) != sUID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		ids, err := rdb.SMembers(ctx, userKey(uid)).Result()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		for _, id := range ids {
			if _, err := dropConnection(ctx, state, rdb, id); err != nil {
				if errors.Is(err, errUnknownConnection) {
					_ = rdb.SRem(ctx, userKey(uid), id).Err()
					continue
				}
				logger.Error("failed to drop connection", slog.String("connection", id), slog.Any("error", err))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func docChannel(objectID string) string {
	return "collab:doc:" + objectID
}

// Events receives the cluster events of this instance: drops addressed to it
// and the write traffic of every document it has a group for.
type Events struct {
	logger     *slog.Logger
	state      *State
	rdb        *redis.Client
	instanceID string
	apply      func(msg protocol.Message)

	mu     sync.Mutex
	sub    *redis.PubSub
	joined map[string]int
}

func NewEvents(ctx context.Context, logger *slog.Logger, state *State, rdb *redis.Client, instanceID string, apply func(msg protocol.Message)) *Events {
	return &Events{
		logger:     logger,
		state:      state,
		rdb:        rdb,
		instanceID: instanceID,
		apply:      apply,
		sub:        rdb.Subscribe(ctx, instanceID),
		joined:     map[string]int{},
	}
}

// Join starts receiving the writes other instances make to objectID.
func (e *Events) Join(ctx context.Context, objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.joined[objectID] > 0 {
		e.joined[objectID]++
		return nil
	}

	if err := e.sub.Subscribe(ctx, docChannel(objectID)); err != nil {
		return err
	}

	e.joined[objectID] = 1
	return nil
}

func (e *Events) Leave(ctx context.Context, objectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.joined[objectID] {
	case 0:
		return nil
	case 1:
		delete(e.joined, objectID)
		return e.sub.Unsubscribe(ctx, docChannel(objectID))
	default:
		e.joined[objectID]--
		return nil
	}
}

// Publish sends a write of a local group to the other instances.
func (e *Events) Publish(ctx context.Context, msg protocol.Message) error {
	bEvent, err := json.Marshal(Event{
		Type:     EventTypeWrite,
		ID:       msg.ObjectID,
		Instance: e.instanceID,
		Payload:  protocol.Encode(msg),
	})
	if err != nil {
		return err
	}

	return e.rdb.Publish(ctx, docChannel(msg.ObjectID), string(bEvent)).Err()
}

// Run applies cluster events until ctx is done.
func (e *Events) Run(ctx context.Context) {
	ch := e.sub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = e.sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			event := Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				e.logger.Error("failed to unmarshal cluster event", slog.Any("error", err))
				continue
			}

			switch event.Type {
			case EventTypeDrop:
				if !e.state.Drop(event.ID) {
					e.logger.Warn("no such connection", slog.String("connection", event.ID))
				}
			case EventTypeWrite:
				if event.Instance == e.instanceID {
					continue
				}

				write, err := protocol.Decode(event.Payload)
				if err != nil {
					e.logger.Error("failed to decode relayed message", slog.String("instance", event.Instance), slog.Any("error", err))
					continue
				}

				e.apply(write)
			default:
				e.logger.Warn("unknown event type", slog.String("event", string(event.Type)))
			}
		}
	}
}
