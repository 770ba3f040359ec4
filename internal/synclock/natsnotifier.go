package synclock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsNotifier wakes peer devices waiting on a merge lock instead of
// leaving them to poll the communication file on a timer: Release
// publishes a zero-payload message on a per-path subject, and a device
// whose Acquire failed can WaitForRelease instead of sleeping blindly.
type NatsNotifier struct {
	nc     *nats.Conn
	prefix string
}

// NewNatsNotifier wraps an existing connection. prefix becomes the leading
// subject component, letting one NATS deployment serve multiple vaults.
func NewNatsNotifier(nc *nats.Conn, prefix string) *NatsNotifier {
	return &NatsNotifier{nc: nc, prefix: prefix}
}

func (n *NatsNotifier) subject(path string) string {
	sanitized := strings.NewReplacer("/", ".", " ", "_", "*", "_", ">", "_").Replace(path)
	return fmt.Sprintf("%s.lock-released.%s", n.prefix, sanitized)
}

// PublishReleased announces that path's merge lock was just released.
func (n *NatsNotifier) PublishReleased(_ context.Context, path string) error {
	if err := n.nc.Publish(n.subject(path), nil); err != nil {
		return fmt.Errorf("synclock: publishing release for %s: %w", path, err)
	}
	return nil
}

// WaitForRelease blocks until path's lock-released subject fires, the
// context is cancelled, or timeout elapses — whichever comes first. A nil
// error means a release was observed; callers should retry Acquire.
func (n *NatsNotifier) WaitForRelease(ctx context.Context, path string, timeout time.Duration) error {
	sub, err := n.nc.SubscribeSync(n.subject(path))
	if err != nil {
		return fmt.Errorf("synclock: subscribing for %s: %w", path, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := sub.NextMsgWithContext(waitCtx); err != nil {
		return fmt.Errorf("synclock: waiting for release of %s: %w", path, err)
	}
	return nil
}
