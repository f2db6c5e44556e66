package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 16 * 1024 * 1024

var (
	ErrMalformed     = errors.New("protocol: malformed message")
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %v bytes", ErrMalformed, MaxFrameSize)
)

const (
	fieldType        protowire.Number = 1
	fieldObjectID    protowire.Number = 2
	fieldOrigin      protowire.Number = 3
	fieldMsgID       protowire.Number = 4
	fieldWorkspaceID protowire.Number = 5
	fieldCollabType  protowire.Number = 6
	fieldPayload     protowire.Number = 7

	fieldOriginKind   protowire.Number = 1
	fieldOriginUID    protowire.Number = 2
	fieldOriginDevice protowire.Number = 3
)

// Encode serializes m using the protobuf wire format.
func Encode(m Message) []byte {
	b := make([]byte, 0, 32+len(m.ObjectID)+len(m.WorkspaceID)+len(m.Payload))

	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))

	b = protowire.AppendTag(b, fieldObjectID, protowire.BytesType)
	b = protowire.AppendString(b, m.ObjectID)

	if m.HasOrigin() {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOrigin(m.Origin))
	}

	if m.HasMsgID() {
		b = protowire.AppendTag(b, fieldMsgID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.MsgID)
	}

	if m.Type == ClientInit {
		b = protowire.AppendTag(b, fieldWorkspaceID, protowire.BytesType)
		b = protowire.AppendString(b, m.WorkspaceID)
		b = protowire.AppendTag(b, fieldCollabType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CollabType))
	}

	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}

	return b
}

func encodeOrigin(o Origin) []byte {
	b := make([]byte, 0, 16+len(o.DeviceID))
	b = protowire.AppendTag(b, fieldOriginKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Kind))
	if o.Kind == OriginClient {
		b = protowire.AppendTag(b, fieldOriginUID, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(o.UID))
		b = protowire.AppendTag(b, fieldOriginDevice, protowire.BytesType)
		b = protowire.AppendString(b, o.DeviceID)
	}
	return b
}

// Decode parses a message produced by Encode. Any malformed input yields an
// error wrapping ErrMalformed.
func Decode(b []byte) (Message, error) {
	m := Message{}

	if len(b) > MaxFrameSize {
		return m, ErrFrameTooLarge
	}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			b = b[n:]
		case num == fieldObjectID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.ObjectID = v
			b = b[n:]
		case num == fieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			origin, err := decodeOrigin(v)
			if err != nil {
				return m, err
			}
			m.Origin = origin
			b = b[n:]
		case num == fieldMsgID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.MsgID = v
			b = b[n:]
		case num == fieldWorkspaceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.WorkspaceID = v
			b = b[n:]
		case num == fieldCollabType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.CollabType = CollabType(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !m.Type.valid() {
		return m, fmt.Errorf("%w: unknown message type %v", ErrMalformed, uint8(m.Type))
	}

	if m.ObjectID == "" {
		return m, fmt.Errorf("%w: missing object id", ErrMalformed)
	}

	return m, nil
}

func decodeOrigin(b []byte) (Origin, error) {
	o := Origin{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return o, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOriginKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return o, malformed(protowire.ParseError(n))
			}
			if v > uint64(OriginClient) {
				return o, fmt.Errorf("%w: unknown origin kind %v", ErrMalformed, v)
			}
			o.Kind = OriginKind(v)
			b = b[n:]
		case num == fieldOriginUID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return o, malformed(protowire.ParseError(n))
			}
			o.UID = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldOriginDevice && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return o, malformed(protowire.ParseError(n))
			}
			o.DeviceID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return o, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return o, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
