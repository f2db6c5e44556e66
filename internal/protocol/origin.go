package protocol

import (
	"fmt"
)

type OriginKind uint8

const (
	OriginEmpty OriginKind = iota
	OriginServer
	OriginClient
)

// Origin identifies the peer that produced a message. The zero value is the
// empty origin.
type Origin struct {
	Kind     OriginKind
	UID      int64
	DeviceID string
}

var (
	EmptyOrigin  = Origin{Kind: OriginEmpty}
	ServerOrigin = Origin{Kind: OriginServer}
)

func ClientOrigin(uid int64, deviceID string) Origin {
	return Origin{
		Kind:     OriginClient,
		UID:      uid,
		DeviceID: deviceID,
	}
}

func (o Origin) ClientUserID() (int64, bool) {
	if o.Kind != OriginClient {
		return 0, false
	}

	return o.UID, true
}

func (o Origin) IsEmpty() bool {
	return o.Kind == OriginEmpty
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginClient:
		return fmt.Sprintf("uid:%v|device_id:%v", o.UID, o.DeviceID)
	case OriginServer:
		return "server"
	default:
		return ""
	}
}
