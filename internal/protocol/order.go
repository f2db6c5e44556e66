package protocol

// Messages drain by rank first: ClientInit, then ServerInit, then everything
// else. Within the last rank the smallest msg id drains first; a message
// without a msg id sorts ahead of any message that has one.
const (
	rankData       = 0
	rankServerInit = 1
	rankClientInit = 2
)

type SortKey struct {
	Rank     int
	HasMsgID bool
	MsgID    MsgID
}

func (m Message) SortKey() SortKey {
	key := SortKey{Rank: rankData}

	switch m.Type {
	case ClientInit:
		key.Rank = rankClientInit
	case ServerInit:
		key.Rank = rankServerInit
	}

	key.MsgID, key.HasMsgID = m.ID()
	return key
}

// Compare returns a positive number when a should drain before b, a negative
// number when b should drain before a and zero when they rank equally.
func Compare(a, b Message) int {
	return CompareKeys(a.SortKey(), b.SortKey())
}

func CompareKeys(a, b SortKey) int {
	if a.Rank != b.Rank {
		if a.Rank > b.Rank {
			return 1
		}
		return -1
	}

	if a.Rank != rankData {
		return 0
	}

	if a.HasMsgID != b.HasMsgID {
		if !a.HasMsgID {
			return 1
		}
		return -1
	}

	switch {
	case a.MsgID < b.MsgID:
		return 1
	case a.MsgID > b.MsgID:
		return -1
	default:
		return 0
	}
}
