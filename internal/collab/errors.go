package collab

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedProtocolState = errors.New("collab: unexpected protocol state")
	ErrPermissionDenied        = errors.New("collab: permission denied")
	ErrTransport               = errors.New("collab: transport failure")
	ErrLockContention          = errors.New("collab: sink is locked by another writer")
	ErrChannelClosed           = errors.New("collab: broadcast channel closed")
	ErrNoSubscribers           = errors.New("collab: broadcast channel has no subscribers")
)

// LaggedError is returned to a receiver that fell behind the broadcast
// channel; Missed messages were overwritten before it read them.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("collab: receiver lagged behind by %v messages", e.Missed)
}

func unexpected(reason string) error {
	return fmt.Errorf("%w: %v", ErrUnexpectedProtocolState, reason)
}
