// Package protocol defines the collab synchronization messages exchanged
// between clients and the realtime service, their priority order and their
// binary encoding.
package protocol

import (
	"errors"
	"fmt"
)

type MsgID = uint64

type MessageType uint8

const (
	ClientInit MessageType = iota + 1
	ClientUpdateSync
	ClientUpdateAck
	ServerInit
	ServerAwareness
	ServerBroadcast
)

func (t MessageType) String() string {
	switch t {
	case ClientInit:
		return "client_init"
	case ClientUpdateSync:
		return "client_update_sync"
	case ClientUpdateAck:
		return "client_update_ack"
	case ServerInit:
		return "server_init"
	case ServerAwareness:
		return "server_awareness"
	case ServerBroadcast:
		return "server_broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	return t >= ClientInit && t <= ServerBroadcast
}

type CollabType uint8

const (
	CollabTypeDocument CollabType = iota
	CollabTypeDatabase
	CollabTypeWorkspaceDatabase
	CollabTypeFolder
	CollabTypeDatabaseRow
	CollabTypeUserAwareness
)

func (t CollabType) String() string {
	switch t {
	case CollabTypeDocument:
		return "document"
	case CollabTypeDatabase:
		return "database"
	case CollabTypeWorkspaceDatabase:
		return "workspace_database"
	case CollabTypeFolder:
		return "folder"
	case CollabTypeDatabaseRow:
		return "database_row"
	case CollabTypeUserAwareness:
		return "user_awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ErrMergeFailure is returned by a MergeFunc that rejects its inputs.
var ErrMergeFailure = errors.New("protocol: merge failure")

// MergeFunc produces the union of two CRDT update payloads.
type MergeFunc func(a, b []byte) ([]byte, error)

// Message is a single synchronization message. Which fields are meaningful
// depends on Type: WorkspaceID and CollabType are only carried by ClientInit,
// MsgID is absent on ServerAwareness and ServerBroadcast and Origin is absent
// on ServerAwareness.
type Message struct {
	Type        MessageType
	ObjectID    string
	Origin      Origin
	MsgID       MsgID
	WorkspaceID string
	CollabType  CollabType
	Payload     []byte
}

func NewClientInit(origin Origin, objectID string, collabType CollabType, workspaceID string, msgID MsgID, payload []byte) Message {
	return Message{
		Type:        ClientInit,
		ObjectID:    objectID,
		Origin:      origin,
		MsgID:       msgID,
		WorkspaceID: workspaceID,
		CollabType:  collabType,
		Payload:     payload,
	}
}

func NewUpdateSync(origin Origin, objectID string, payload []byte, msgID MsgID) Message {
	return Message{Type: ClientUpdateSync, ObjectID: objectID, Origin: origin, MsgID: msgID, Payload: payload}
}

func NewUpdateAck(origin Origin, objectID string, payload []byte, msgID MsgID) Message {
	return Message{Type: ClientUpdateAck, ObjectID: objectID, Origin: origin, MsgID: msgID, Payload: payload}
}

func NewServerInit(origin Origin, objectID string, payload []byte, msgID MsgID) Message {
	return Message{Type: ServerInit, ObjectID: objectID, Origin: origin, MsgID: msgID, Payload: payload}
}

func NewBroadcast(origin Origin, objectID string, payload []byte) Message {
	return Message{Type: ServerBroadcast, ObjectID: objectID, Origin: origin, Payload: payload}
}

func NewAwareness(objectID string, payload []byte) Message {
	return Message{Type: ServerAwareness, ObjectID: objectID, Payload: payload}
}

// BusinessID is the routing id of the collab business on a shared connection.
func (m Message) BusinessID() uint8 {
	return 1
}

func (m Message) HasMsgID() bool {
	switch m.Type {
	case ClientInit, ClientUpdateSync, ClientUpdateAck, ServerInit:
		return true
	default:
		return false
	}
}

func (m Message) ID() (MsgID, bool) {
	if !m.HasMsgID() {
		return 0, false
	}

	return m.MsgID, true
}

func (m Message) HasOrigin() bool {
	return m.Type != ServerAwareness
}

func (m Message) MessageOrigin() (Origin, bool) {
	if !m.HasOrigin() {
		return EmptyOrigin, false
	}

	return m.Origin, true
}

func (m Message) IsInit() bool {
	return m.Type == ClientInit
}

func (m Message) IsEmpty() bool {
	return len(m.Payload) == 0
}

func (m Message) Length() int {
	return len(m.Payload)
}

// Deferrable reports whether the message may wait behind others in a sink.
func (m Message) Deferrable() bool {
	return !m.IsInit()
}

func (m Message) CanMerge(maxPayloadSize int) bool {
	return m.Type == ClientUpdateSync && len(m.Payload) < maxPayloadSize
}

// Merge folds other's payload into m using merge. Only two ClientUpdateSync
// messages for the same object and origin merge. On failure m is unchanged.
func (m *Message) Merge(other Message, maxPayloadSize int, merge MergeFunc) bool {
	if m.Type != ClientUpdateSync || other.Type != ClientUpdateSync {
		return false
	}

	if m.ObjectID != other.ObjectID || m.Origin != other.Origin {
		return false
	}

	if len(m.Payload) > maxPayloadSize {
		return false
	}

	payload, err := merge(m.Payload, other.Payload)
	if err != nil {
		return false
	}

	m.Payload = payload
	return true
}

// Equal compares messages by msg id alone, as they are identified on the wire.
func (m Message) Equal(other Message) bool {
	aID, aOK := m.ID()
	bID, bOK := other.ID()
	return aOK == bOK && aID == bID
}

func (m Message) String() string {
	switch m.Type {
	case ClientInit:
		return fmt.Sprintf("client init: [%v|oid:%v|payload_len:%v|msg_id:%v]", m.Origin, m.ObjectID, len(m.Payload), m.MsgID)
	case ClientUpdateSync:
		return fmt.Sprintf("client update sync: [oid:%v|msg_id:%v|payload_len:%v]", m.ObjectID, m.MsgID, len(m.Payload))
	case ClientUpdateAck:
		return fmt.Sprintf("ack: [oid:%v|msg_id:%v|payload_len:%v]", m.ObjectID, m.MsgID, len(m.Payload))
	case ServerInit:
		return fmt.Sprintf("server init: [oid:%v|msg_id:%v|payload_len:%v]", m.ObjectID, m.MsgID, len(m.Payload))
	case ServerBroadcast:
		return fmt.Sprintf("server broadcast: [%v|oid:%v|payload_len:%v]", m.Origin, m.ObjectID, len(m.Payload))
	case ServerAwareness:
		return fmt.Sprintf("awareness: [oid:%v|payload_len:%v]", m.ObjectID, len(m.Payload))
	default:
		return fmt.Sprintf("unknown: [type:%v|oid:%v]", m.Type, m.ObjectID)
	}
}
