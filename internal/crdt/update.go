package crdt

import (
	"errors"
	"fmt"
	"sort"

	"collabsync/realtime/internal/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Entry is one last-writer-wins register of the document map.
type Entry struct {
	Key     string
	Value   []byte
	Client  string
	Clock   uint64
	Deleted bool
}

// newer reports whether e wins over other for the same key.
func (e Entry) newer(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Client > other.Client
}

const (
	fieldEntry protowire.Number = 1

	fieldEntryKey     protowire.Number = 1
	fieldEntryValue   protowire.Number = 2
	fieldEntryClient  protowire.Number = 3
	fieldEntryClock   protowire.Number = 4
	fieldEntryDeleted protowire.Number = 5
)

func EncodeUpdate(entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	b := []byte{}
	for _, e := range sorted {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(e, true))
	}
	return b
}

func encodeEntry(e Entry, withValue bool) []byte {
	b := []byte{}
	b = protowire.AppendTag(b, fieldEntryKey, protowire.BytesType)
	b = protowire.AppendString(b, e.Key)
	if withValue && len(e.Value) > 0 {
		b = protowire.AppendTag(b, fieldEntryValue, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Value)
	}
	b = protowire.AppendTag(b, fieldEntryClient, protowire.BytesType)
	b = protowire.AppendString(b, e.Client)
	b = protowire.AppendTag(b, fieldEntryClock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Clock)
	if e.Deleted {
		b = protowire.AppendTag(b, fieldEntryDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func DecodeUpdate(b []byte) ([]Entry, error) {
	entries := []Entry{}
	err := forEachBytesField(b, fieldEntry, func(v []byte) error {
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func decodeEntry(b []byte) (Entry, error) {
	e := Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, malformed(n)
		}
		b = b[n:]

		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Key = v
			b = b[n:]
		case num == fieldEntryValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Value = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldEntryClient && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Client = v
			b = b[n:]
		case num == fieldEntryClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Clock = v
			b = b[n:]
		case num == fieldEntryDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, malformed(n)
			}
			e.Deleted = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, malformed(n)
			}
			b = b[n:]
		}
	}

	if e.Key == "" || e.Clock == 0 {
		return e, fmt.Errorf("%w: entry without key or clock", ErrMalformedUpdate)
	}

	return e, nil
}

// MergeUpdates returns the union of two encoded updates. For a key present in
// both, the newer write survives.
func MergeUpdates(a, b []byte) ([]byte, error) {
	left, err := DecodeUpdate(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMergeFailure, err)
	}

	right, err := DecodeUpdate(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMergeFailure, err)
	}

	byKey := map[string]Entry{}
	for _, e := range append(left, right...) {
		if current, ok := byKey[e.Key]; !ok || e.newer(current) {
			byKey[e.Key] = e
		}
	}

	merged := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}

	return EncodeUpdate(merged), nil
}

func forEachBytesField(b []byte, field protowire.Number, fn func(v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]

		if num != field || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]

		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
}
