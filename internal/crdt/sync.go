package crdt

import (
	"fmt"

	"collabsync/realtime/internal/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

// A sync payload is a sequence of sync messages, each a protobuf field whose
// number is the message kind.
const (
	MessageSyncStep1 protowire.Number = 1
	MessageSyncStep2 protowire.Number = 2
	MessageUpdate    protowire.Number = 3
	MessageAwareness protowire.Number = 4
)

type SyncMessage struct {
	Kind protowire.Number
	Body []byte
}

func appendSyncMessage(b []byte, kind protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, kind, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func EncodeSyncStep1(digest []byte) []byte {
	return appendSyncMessage(nil, MessageSyncStep1, digest)
}

func EncodeSyncStep2(update []byte) []byte {
	return appendSyncMessage(nil, MessageSyncStep2, update)
}

func EncodeUpdateMessage(update []byte) []byte {
	return appendSyncMessage(nil, MessageUpdate, update)
}

func EncodeAwarenessMessage(update []byte) []byte {
	return appendSyncMessage(nil, MessageAwareness, update)
}

// ReadSyncMessages splits a payload into sync messages. It stops at the first
// malformed message and returns the messages read so far with the error.
func ReadSyncMessages(payload []byte) ([]SyncMessage, error) {
	messages := []SyncMessage{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return messages, malformed(n)
		}
		payload = payload[n:]

		if typ != protowire.BytesType || num < MessageSyncStep1 || num > MessageAwareness {
			return messages, fmt.Errorf("%w: unknown sync message %v", ErrMalformedUpdate, num)
		}

		body, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return messages, malformed(n)
		}
		payload = payload[n:]

		messages = append(messages, SyncMessage{Kind: num, Body: body})
	}
	return messages, nil
}

// MergePayloads merges two sync payloads that carry only document updates
// into a single update message. Payloads holding any other sync message are
// refused with protocol.ErrMergeFailure.
func MergePayloads(a, b []byte) ([]byte, error) {
	merged := []byte{}
	for _, payload := range [][]byte{a, b} {
		messages, err := ReadSyncMessages(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMergeFailure, err)
		}

		for _, m := range messages {
			if m.Kind != MessageUpdate && m.Kind != MessageSyncStep2 {
				return nil, fmt.Errorf("%w: cannot merge sync message %v", protocol.ErrMergeFailure, m.Kind)
			}

			merged, err = MergeUpdates(merged, m.Body)
			if err != nil {
				return nil, err
			}
		}
	}

	return EncodeUpdateMessage(merged), nil
}
