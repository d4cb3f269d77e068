package statuspush

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CallMessenger posts a message into a live call; the worker's browser voice
// client receives it in-band. Satisfied by telephony.RestClient.
type CallMessenger interface {
	CreateUserDefinedMessage(ctx context.Context, callSID, content string) error
}

// CallSink pushes the update into the live call itself.
type CallSink struct {
	Messenger CallMessenger
}

func (s CallSink) Name() string { return "call" }

func (s CallSink) Send(ctx context.Context, u Update, content []byte) error {
	if u.CallSID == "" {
		// Browser-only flows (no live call yet) have nothing to address.
		return nil
	}
	return s.Messenger.CreateUserDefinedMessage(ctx, u.CallSID, string(content))
}

// RedisSink mirrors updates onto a per-assignment pub/sub channel so
// dashboards can watch attempts without touching the call path.
type RedisSink struct {
	Client *redis.Client
}

func (s RedisSink) Name() string { return "redis" }

func (s RedisSink) Send(ctx context.Context, u Update, content []byte) error {
	return s.Client.Publish(ctx, ChannelFor(u.AssignmentID), content).Err()
}

// ChannelFor names the pub/sub channel carrying one assignment's updates.
func ChannelFor(assignmentID string) string {
	return fmt.Sprintf("assignment:%s:status", assignmentID)
}
