package collab

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	// BroadcastCapacity is the number of messages a group buffers for slow
	// subscribers before they start losing the oldest ones.
	BroadcastCapacity int
	// RetryInterval and RetryAttempts bound both admission and delivery.
	RetryInterval time.Duration
	RetryAttempts int
	// StreamBuffer is the number of inbound messages queued per document
	// of a connection.
	StreamBuffer int
}

func DefaultConfig() Config {
	return Config{
		BroadcastCapacity: 1000,
		RetryInterval:     2 * time.Second,
		RetryAttempts:     5,
		StreamBuffer:      64,
	}
}

// retryPolicy retries at a fixed interval for at most RetryAttempts attempts
// in total and stops as soon as ctx is done.
func (c Config) retryPolicy(ctx context.Context) backoff.BackOffContext {
	retries := 0
	if c.RetryAttempts > 1 {
		retries = c.RetryAttempts - 1
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryInterval), uint64(retries))
	return backoff.WithContext(b, ctx)
}
