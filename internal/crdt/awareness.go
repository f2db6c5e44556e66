package crdt

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AwarenessState is the ephemeral presence of one client. A nil State marks
// the client as gone.
type AwarenessState struct {
	Client string
	Clock  uint64
	State  []byte
}

const (
	fieldAwareness protowire.Number = 1

	fieldAwarenessClient protowire.Number = 1
	fieldAwarenessClock  protowire.Number = 2
	fieldAwarenessState  protowire.Number = 3
)

func EncodeAwarenessUpdate(states []AwarenessState) []byte {
	b := []byte{}
	for _, s := range states {
		v := []byte{}
		v = protowire.AppendTag(v, fieldAwarenessClient, protowire.BytesType)
		v = protowire.AppendString(v, s.Client)
		v = protowire.AppendTag(v, fieldAwarenessClock, protowire.VarintType)
		v = protowire.AppendVarint(v, s.Clock)
		if s.State != nil {
			v = protowire.AppendTag(v, fieldAwarenessState, protowire.BytesType)
			v = protowire.AppendBytes(v, s.State)
		}

		b = protowire.AppendTag(b, fieldAwareness, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func DecodeAwarenessUpdate(b []byte) ([]AwarenessState, error) {
	states := []AwarenessState{}
	err := forEachBytesField(b, fieldAwareness, func(v []byte) error {
		s := AwarenessState{}
		for len(v) > 0 {
			num, typ, n := protowire.ConsumeTag(v)
			if n < 0 {
				return malformed(n)
			}
			v = v[n:]

			switch {
			case num == fieldAwarenessClient && typ == protowire.BytesType:
				c, n := protowire.ConsumeString(v)
				if n < 0 {
					return malformed(n)
				}
				s.Client = c
				v = v[n:]
			case num == fieldAwarenessClock && typ == protowire.VarintType:
				c, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return malformed(n)
				}
				s.Clock = c
				v = v[n:]
			case num == fieldAwarenessState && typ == protowire.BytesType:
				c, n := protowire.ConsumeBytes(v)
				if n < 0 {
					return malformed(n)
				}
				s.State = append([]byte{}, c...)
				v = v[n:]
			default:
				n := protowire.ConsumeFieldValue(num, typ, v)
				if n < 0 {
					return malformed(n)
				}
				v = v[n:]
			}
		}

		if s.Client == "" {
			return fmt.Errorf("%w: awareness state without client", ErrMalformedUpdate)
		}

		states = append(states, s)
		return nil
	})
	return states, err
}
