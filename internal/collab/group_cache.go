package collab

import (
	"context"
	"fmt"
	"sync"

	"collabsync/realtime/internal/protocol"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

// DocumentFactory creates the in-memory document of a newly opened group.
type DocumentFactory func(objectID string) Document

// GroupCache holds the open groups of this instance, keyed by object id.
type GroupCache struct {
	logger  *slog.Logger
	config  Config
	metrics *Metrics
	storage CollabStorage
	newDoc  DocumentFactory
	relay   Relay

	// flight collapses concurrent creations of the same group so storage is
	// consulted without holding mu.
	flight singleflight.Group

	mu     sync.RWMutex
	groups map[string]*Group
}

func NewGroupCache(logger *slog.Logger, config Config, metrics *Metrics, storage CollabStorage, newDoc DocumentFactory) *GroupCache {
	return &GroupCache{
		logger:  logger,
		config:  config,
		metrics: metrics,
		storage: storage,
		newDoc:  newDoc,
		groups:  map[string]*Group{},
	}
}

func (c *GroupCache) ContainsGroup(objectID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.groups[objectID]
	return ok
}

func (c *GroupCache) Get(objectID string) (*Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	group, ok := c.groups[objectID]
	return group, ok
}

func (c *GroupCache) ContainsUser(objectID string, user RealtimeUser) bool {
	group, ok := c.Get(objectID)
	if !ok {
		return false
	}

	return group.ContainsUser(user)
}

// CreateGroup opens the group of objectID, recording the collab in storage
// the first time it is seen. Creating a group that is already open is a
// no-op.
func (c *GroupCache) CreateGroup(ctx context.Context, uid int64, workspaceID, objectID string, collabType protocol.CollabType) error {
	if c.ContainsGroup(objectID) {
		return nil
	}

	_, err, _ := c.flight.Do(objectID, func() (any, error) {
		if c.ContainsGroup(objectID) {
			return nil, nil
		}

		exists, err := c.storage.CollabExists(ctx, objectID)
		if err != nil {
			return nil, fmt.Errorf("check collab %v: %w", objectID, err)
		}

		if !exists {
			if err := c.storage.InsertCollab(ctx, uid, workspaceID, objectID, collabType); err != nil {
				return nil, fmt.Errorf("insert collab %v: %w", objectID, err)
			}
		}

		if c.relay != nil {
			if err := c.relay.Join(ctx, objectID); err != nil {
				return nil, fmt.Errorf("join relay %v: %w", objectID, err)
			}
		}

		group := NewGroup(c.logger, objectID, c.newDoc(objectID), c.config, c.metrics)
		group.onIdle = func() {
			c.closeIdle(objectID, group)
		}
		if c.relay != nil {
			group.startRelay(c.relay)
		}

		c.mu.Lock()
		c.groups[objectID] = group
		c.mu.Unlock()

		c.logger.Debug("group created", slog.String("object", objectID), slog.String("type", collabType.String()))
		return nil, nil
	})

	return err
}

// RemoveUser unsubscribes user from objectID's group, announces that origin
// is gone and closes the group when no subscriber is left.
func (c *GroupCache) RemoveUser(objectID string, user RealtimeUser, origin protocol.Origin) {
	group, ok := c.Get(objectID)
	if !ok {
		return
	}

	empty := group.RemoveSubscriber(user)
	group.removeAwareness(origin)
	if empty {
		c.closeIdle(objectID, group)
	}
}

// closeIdle drops group from the cache if it is still the open group of
// objectID and nobody subscribed in the meantime.
func (c *GroupCache) closeIdle(objectID string, group *Group) {
	c.mu.Lock()
	current, ok := c.groups[objectID]
	if !ok || current != group || !group.closeIfIdle() {
		c.mu.Unlock()
		return
	}
	delete(c.groups, objectID)
	c.mu.Unlock()

	c.leave(objectID)
	c.logger.Debug("group closed", slog.String("object", objectID))
}

func (c *GroupCache) leave(objectID string) {
	if c.relay == nil {
		return
	}

	if err := c.relay.Leave(context.Background(), objectID); err != nil {
		c.logger.Warn("failed to leave relay", slog.String("object", objectID), slog.Any("error", err))
	}
}

func (c *GroupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.groups)
}

// Close closes every open group.
func (c *GroupCache) Close() {
	c.mu.Lock()
	groups := c.groups
	c.groups = map[string]*Group{}
	c.mu.Unlock()

	for objectID, group := range groups {
		group.Close()
		c.leave(objectID)
	}
}
