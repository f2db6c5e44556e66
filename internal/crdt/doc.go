// Package crdt implements a last-writer-wins map document with ephemeral
// awareness state and the sync sub-protocol carried in collab message
// payloads.
package crdt

import (
	"fmt"
	"sort"
	"sync"

	"collabsync/realtime/internal/protocol"
)

type UpdateObserver = func(origin protocol.Origin, update []byte)

type AwarenessObserver = func(update []byte)

// Doc is safe for concurrent use. Observers run synchronously, in commit
// order, while the document is locked; they must not call back into the Doc.
type Doc struct {
	mu sync.Mutex

	client    string
	clock     uint64
	entries   map[string]Entry
	awareness map[string]AwarenessState

	observerID         int
	updateObservers    map[int]UpdateObserver
	awarenessObservers map[int]AwarenessObserver
}

// New creates an empty document whose local writes are attributed to client.
func New(client string) *Doc {
	return &Doc{
		client:             client,
		entries:            map[string]Entry{},
		awareness:          map[string]AwarenessState{},
		updateObservers:    map[int]UpdateObserver{},
		awarenessObservers: map[int]AwarenessObserver{},
	}
}

func (d *Doc) ObserveUpdate(fn UpdateObserver) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observerID += 1
	id := d.observerID
	d.updateObservers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateObservers, id)
	}
}

func (d *Doc) ObserveAwareness(fn AwarenessObserver) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observerID += 1
	id := d.observerID
	d.awarenessObservers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.awarenessObservers, id)
	}
}

func (d *Doc) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := []string{}
	for key, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Set writes key locally and returns the encoded update.
func (d *Doc) Set(origin protocol.Origin, key string, value []byte) []byte {
	return d.write(origin, Entry{Key: key, Value: append([]byte(nil), value...)})
}

func (d *Doc) Delete(origin protocol.Origin, key string) []byte {
	return d.write(origin, Entry{Key: key, Deleted: true})
}

func (d *Doc) write(origin protocol.Origin, e Entry) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock += 1
	e.Client = d.client
	e.Clock = d.clock
	d.entries[e.Key] = e

	update := EncodeUpdate([]Entry{e})
	d.emitUpdate(origin, update)
	return update
}

// ApplyUpdate integrates a remote update. Observers fire only when it changed
// the document.
func (d *Doc) ApplyUpdate(origin protocol.Origin, update []byte) error {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.applyEntries(origin, entries)
	return nil
}

func (d *Doc) applyEntries(origin protocol.Origin, entries []Entry) {
	changed := []Entry{}
	for _, e := range entries {
		if current, ok := d.entries[e.Key]; ok && !e.newer(current) {
			continue
		}
		d.entries[e.Key] = e
		if e.Clock > d.clock {
			d.clock = e.Clock
		}
		changed = append(changed, e)
	}

	if len(changed) > 0 {
		d.emitUpdate(origin, EncodeUpdate(changed))
	}
}

func (d *Doc) emitUpdate(origin protocol.Origin, update []byte) {
	for _, id := range sortedIDs(d.updateObservers) {
		d.updateObservers[id](origin, update)
	}
}

// EncodeState returns the whole document as one update.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	return EncodeUpdate(entries)
}

// Digest summarizes which version of every key this document holds.
func (d *Doc) Digest() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, Entry{Key: e.Key, Client: e.Client, Clock: e.Clock, Deleted: e.Deleted})
	}
	return EncodeUpdate(entries)
}

// DiffUpdate returns the entries that are newer than the remote digest.
func (d *Doc) DiffUpdate(digest []byte) ([]byte, error) {
	remote, err := DecodeUpdate(digest)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.diff(remote), nil
}

func (d *Doc) diff(remote []Entry) []byte {
	known := map[string]Entry{}
	for _, e := range remote {
		known[e.Key] = e
	}

	missing := []Entry{}
	for key, e := range d.entries {
		if r, ok := known[key]; ok && !e.newer(r) {
			continue
		}
		missing = append(missing, e)
	}
	return EncodeUpdate(missing)
}

func (d *Doc) SetAwareness(client string, state []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.awareness[client]
	s := AwarenessState{Client: client, Clock: current.Clock + 1, State: append([]byte{}, state...)}
	d.awareness[client] = s

	update := EncodeAwarenessUpdate([]AwarenessState{s})
	d.emitAwareness(update)
	return update
}

// AwarenessClient is the awareness key of a peer.
func AwarenessClient(origin protocol.Origin) string {
	return origin.String()
}

// RemoveAwareness marks client as gone and returns the encoded update.
// Observers are not notified; the caller publishes the update.
func (d *Doc) RemoveAwareness(client string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.awareness[client]
	if !ok {
		return nil
	}

	s := AwarenessState{Client: client, Clock: current.Clock + 1}
	d.awareness[client] = s

	return EncodeAwarenessUpdate([]AwarenessState{s})
}

func (d *Doc) Awareness() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := map[string][]byte{}
	for client, s := range d.awareness {
		if s.State != nil {
			states[client] = append([]byte{}, s.State...)
		}
	}
	return states
}

func (d *Doc) ApplyAwareness(update []byte) error {
	states, err := DecodeAwarenessUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.applyAwareness(states)
	return nil
}

func (d *Doc) applyAwareness(states []AwarenessState) {
	changed := []AwarenessState{}
	for _, s := range states {
		current, ok := d.awareness[s.Client]
		if ok && (s.Clock < current.Clock || (s.Clock == current.Clock && s.State != nil)) {
			continue
		}
		d.awareness[s.Client] = s
		changed = append(changed, s)
	}

	if len(changed) > 0 {
		d.emitAwareness(EncodeAwarenessUpdate(changed))
	}
}

func (d *Doc) emitAwareness(update []byte) {
	for _, id := range sortedIDs(d.awarenessObservers) {
		d.awarenessObservers[id](update)
	}
}

// ApplySyncMessage handles every sync message in payload on behalf of origin
// and returns the encoded replies, if any. Processing stops at the first
// malformed message.
func (d *Doc) ApplySyncMessage(origin protocol.Origin, payload []byte) ([]byte, error) {
	messages, err := ReadSyncMessages(payload)

	var reply []byte
	for _, m := range messages {
		switch m.Kind {
		case MessageSyncStep1:
			diff, err := d.DiffUpdate(m.Body)
			if err != nil {
				return reply, fmt.Errorf("sync step 1: %w", err)
			}
			reply = appendSyncMessage(reply, MessageSyncStep2, diff)
		case MessageSyncStep2, MessageUpdate:
			if err := d.ApplyUpdate(origin, m.Body); err != nil {
				return reply, fmt.Errorf("sync update: %w", err)
			}
		case MessageAwareness:
			if err := d.ApplyAwareness(m.Body); err != nil {
				return reply, fmt.Errorf("awareness: %w", err)
			}
		}
	}

	return reply, err
}

func sortedIDs[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
