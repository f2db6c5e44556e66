package queue

import (
	"container/heap"
	"fmt"

	"collabsync/realtime/internal/protocol"
	"golang.org/x/exp/slog"
)

type MessageState int

const (
	StatePending MessageState = iota
	StateProcessing
	StateDone
	StateTimeout
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Notifier receives the msg id of an acknowledged message. It must be
// buffered so that a single send never blocks.
type Notifier = chan protocol.MsgID

type completion struct {
	msgID  protocol.MsgID
	notify Notifier
}

type PendingMessage struct {
	msg   protocol.Message
	msgID protocol.MsgID
	state MessageState

	// notifiers of this entry and of every entry merged into it
	completions []completion

	sequence  uint64
	heapIndex int
}

func NewPendingMessage(msgID protocol.MsgID, msg protocol.Message) *PendingMessage {
	return &PendingMessage{
		msg:       msg,
		msgID:     msgID,
		state:     StatePending,
		heapIndex: -1,
	}
}

func (p *PendingMessage) Message() protocol.Message {
	return p.msg
}

func (p *PendingMessage) MsgID() protocol.MsgID {
	return p.msgID
}

func (p *PendingMessage) State() MessageState {
	return p.state
}

func (p *PendingMessage) IsInit() bool {
	return p.msg.IsInit()
}

func (p *PendingMessage) CanMerge(maxPayloadSize int) bool {
	return p.msg.CanMerge(maxPayloadSize)
}

// SetNotifier binds the completion notifier of this entry, replacing any
// earlier one.
func (p *PendingMessage) SetNotifier(notify Notifier) {
	for i, c := range p.completions {
		if c.msgID == p.msgID {
			p.completions[i].notify = notify
			return
		}
	}
	p.completions = append(p.completions, completion{msgID: p.msgID, notify: notify})
}

func (p *PendingMessage) merge(other *PendingMessage, maxPayloadSize int, merge protocol.MergeFunc) bool {
	if !p.msg.Merge(other.msg, maxPayloadSize, merge) {
		return false
	}

	p.completions = append(p.completions, other.completions...)
	other.completions = nil
	return true
}

// PendingQueue holds the outbound messages of one connection that are waiting
// to be sent or acknowledged. The highest ranked message by protocol.Compare
// is served first. It is not safe for concurrent use.
type PendingQueue struct {
	logger   *slog.Logger
	uid      int64
	items    pendingHeap
	sequence uint64
}

func New(logger *slog.Logger, uid int64) *PendingQueue {
	return &PendingQueue{
		logger: logger.With(slog.Int64("uid", uid)),
		uid:    uid,
		items:  pendingHeap{},
	}
}

func (q *PendingQueue) Push(msgID protocol.MsgID, msg protocol.Message) *PendingMessage {
	q.logger.Debug("queue message", slog.String("message", msg.String()))

	p := NewPendingMessage(msgID, msg)
	q.PushMessage(p)
	return p
}

// PushMessage queues an existing entry again, resetting it to pending.
func (q *PendingQueue) PushMessage(p *PendingMessage) {
	q.sequence += 1
	p.sequence = q.sequence
	p.state = StatePending
	heap.Push(&q.items, p)
}

func (q *PendingQueue) Len() int {
	return len(q.items)
}

func (q *PendingQueue) Peek() (*PendingMessage, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *PendingQueue) Pop() (*PendingMessage, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*PendingMessage), true
}

// Mark moves p to state. Moving into StateDone delivers the completion
// notifiers at most once; it returns whether any notifier was delivered.
func (q *PendingQueue) Mark(p *PendingMessage, state MessageState) bool {
	p.state = state
	q.logger.Debug("message state", slog.Uint64("msg_id", p.msgID), slog.String("state", state.String()))

	if state != StateDone {
		return false
	}

	completions := p.completions
	p.completions = nil

	delivered := false
	for _, c := range completions {
		if c.notify == nil {
			continue
		}

		select {
		case c.notify <- c.msgID:
			delivered = true
		default:
			q.logger.Warn("failed to notify completion", slog.Uint64("msg_id", c.msgID))
		}
	}

	return delivered
}

// TryMerge folds the highest ranked queued entry into candidate when both are
// mergeable. candidate must not be in the queue. The merged entry is removed
// from the queue; on failure the queue is unchanged.
func (q *PendingQueue) TryMerge(candidate *PendingMessage, maxPayloadSize int, merge protocol.MergeFunc) bool {
	if !candidate.CanMerge(maxPayloadSize) {
		return false
	}

	next, ok := q.Peek()
	if !ok || !next.CanMerge(maxPayloadSize) {
		return false
	}

	if !candidate.merge(next, maxPayloadSize, merge) {
		q.logger.Warn("failed to merge messages", slog.Uint64("msg_id", candidate.msgID), slog.Uint64("other", next.msgID))
		return false
	}

	heap.Pop(&q.items)
	q.logger.Debug("merged message", slog.Uint64("msg_id", candidate.msgID), slog.Uint64("other", next.msgID))
	return true
}

// Compact merges queued entries into the head of the queue for as long as
// they stay mergeable. It returns the number of entries merged away.
func (q *PendingQueue) Compact(maxPayloadSize int, merge protocol.MergeFunc) int {
	head, ok := q.Pop()
	if !ok {
		return 0
	}

	merged := 0
	for q.TryMerge(head, maxPayloadSize, merge) {
		merged += 1
	}

	heap.Push(&q.items, head)
	return merged
}

// heap.Interface implementation, highest ranked first

type pendingHeap []*PendingMessage

func (h pendingHeap) Len() int {
	return len(h)
}

func (h pendingHeap) Less(i, j int) bool {
	if c := protocol.Compare(h[i].msg, h[j].msg); c != 0 {
		return c > 0
	}
	return h[i].sequence < h[j].sequence
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *pendingHeap) Push(x any) {
	p := x.(*PendingMessage)
	p.heapIndex = len(*h)
	*h = append(*h, p)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*h = old[:n-1]
	return p
}
