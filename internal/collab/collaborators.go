package collab

import (
	"context"

	"collabsync/realtime/internal/protocol"
)

// Document is the shared CRDT state of one broadcast group.
type Document interface {
	// ApplySyncMessage applies a sync payload sent by origin and returns the
	// reply payload, if any.
	ApplySyncMessage(origin protocol.Origin, payload []byte) ([]byte, error)
	ObserveUpdate(fn func(origin protocol.Origin, update []byte)) func()
	ObserveAwareness(fn func(update []byte)) func()
	// RemoveAwareness drops the presence of client and returns the update
	// announcing it, or nil when client had no presence.
	RemoveAwareness(client string) []byte
}

type CollabStorage interface {
	CollabExists(ctx context.Context, objectID string) (bool, error)
	InsertCollab(ctx context.Context, uid int64, workspaceID, objectID string, collabType protocol.CollabType) error
}

type AccessControl interface {
	CanReceiveUpdate(ctx context.Context, uid int64, objectID string) (bool, error)
	CanSendUpdate(ctx context.Context, uid int64, objectID string) (bool, error)
}

// RealtimeUser identifies one connection of a user.
type RealtimeUser struct {
	UID      int64
	DeviceID string
	ConnID   string
}

// Editing records that a user edits ObjectID as Origin.
type Editing struct {
	ObjectID string
	Origin   protocol.Origin
}

// Relay carries group traffic between the instances that serve the same
// document. Join and Leave are called once per group lifetime.
type Relay interface {
	Join(ctx context.Context, objectID string) error
	Leave(ctx context.Context, objectID string) error
	Publish(ctx context.Context, msg protocol.Message) error
}
