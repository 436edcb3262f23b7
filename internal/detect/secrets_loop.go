package detect

import (
	"context"
	"time"

	"tripwire/internal/realtime"
)

// runSecrets publishes the current secrets and public key hash each cycle.
func (c *Coordinator) runSecrets(ctx context.Context) TaskState {
	p := c.pacer("secrets", c.secretsInterval)

	for {
		start := time.Now()
		if sess := c.Session(); sess != nil && c.broadcaster != nil {
			c.broadcaster.Broadcast(realtime.EventSecrets, sess.Secrets())
		}
		if !p.wait(ctx, start) {
			return TaskStopped
		}
	}
}
