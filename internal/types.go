package internal

import (
	"strconv"
	"sync"

	"collabsync/realtime/internal/collab"
)

// Connection is a websocket held by this instance.
type Connection struct {
	User collab.RealtimeUser
	Drop chan struct{}
	once sync.Once
}

func (c *Connection) drop() {
	c.once.Do(func() {
		close(c.Drop)
	})
}

type State struct {
	Lock        sync.RWMutex
	Connections map[string]*Connection
}

func NewState() *State {
	return &State{
		Connections: map[string]*Connection{},
	}
}

// Drop closes connection id if this instance holds it.
func (s *State) Drop(id string) bool {
	s.Lock.RLock()
	defer s.Lock.RUnlock()

	connection, ok := s.Connections[id]
	if !ok {
		return false
	}

	connection.drop()
	return true
}

type EventType string

const (
	EventTypeWrite EventType = "write"
	EventTypeDrop  EventType = "drop"
)

// Event is published on the redis channel of the instance holding the
// connection (drop), or on the channel of a document (write, ID is the
// object id).
type Event struct {
	Type     EventType `json:"type"`
	ID       string    `json:"id"`
	Instance string    `json:"instance,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
}

func registryKey(id string) string {
	return "ws:" + id
}

func userKey(uid int64) string {
	return "ws:user:" + strconv.FormatInt(uid, 10)
}
