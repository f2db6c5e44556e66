package collab

import (
	"context"
	"fmt"
	"time"

	"collabsync/realtime/internal/protocol"
	"github.com/cenkalti/backoff/v4"
)

// deliver writes msg to sink, retrying while another writer holds the sink
// or the write fails.
func deliver(ctx context.Context, config Config, sink *lockedSink, msg protocol.Message) error {
	return backoff.Retry(func() error {
		return deliverOnce(ctx, sink, msg)
	}, config.retryPolicy(ctx))
}

func deliverOnce(ctx context.Context, sink *lockedSink, msg protocol.Message) error {
	err := sink.trySend(ctx, msg)
	if err == nil || err == ErrLockContention {
		return err
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// retry runs op under the retry policy of config until it succeeds, the
// attempts are exhausted, or alive is done. notify observes every failed
// attempt that will be retried.
func retry(alive context.Context, config Config, op func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		if alive.Err() != nil {
			return backoff.Permanent(alive.Err())
		}
		return op()
	}, config.retryPolicy(alive), notify)
}
