package statuspush

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	sent    []Update
	content []string
	err     error
	done    chan struct{}
}

func newRecordingSink(err error) *recordingSink {
	return &recordingSink{err: err, done: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, u Update, content []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, u)
	s.content = append(s.content, string(content))
	s.mu.Unlock()
	s.done <- struct{}{}
	return s.err
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink was never called")
	}
}

func TestQueueKeepsLastUpdate(t *testing.T) {
	var q Queue
	_, ok := q.Pending()
	require.False(t, ok)

	q.Set(Update{CallStep: "initial"})
	q.Set(Update{CallStep: "verified"})

	u, ok := q.Pending()
	require.True(t, ok)
	require.Equal(t, "verified", u.CallStep)
}

func TestUpdateContentShape(t *testing.T) {
	u := Update{AssignmentID: "a1", CallSID: "CA1", CallStep: "hold"}.
		WithCountdown(90*time.Second + 400*time.Millisecond)
	content, err := u.content()
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(content, &payload))
	require.Equal(t, "hold", payload["callStep"])
	require.Equal(t, float64(90), payload["countdown"])
	require.Nil(t, payload["wordsHeard"], "absent words must serialize as null")
}

func TestCountdownClampedAtZero(t *testing.T) {
	u := Update{}.WithCountdown(-30 * time.Second)
	require.Equal(t, 0, *u.Countdown)
}

func TestFlushDispatchesAfterCommit(t *testing.T) {
	sink := newRecordingSink(nil)
	d := NewDispatcher(slog.Default(), sink)

	var q Queue
	q.Set(Update{AssignmentID: "a1", CallSID: "CA1", CallStep: "call"})
	d.Flush(&q)
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.sent, 1)
	require.Equal(t, "call", sink.sent[0].CallStep)
	require.Contains(t, sink.content[0], `"callStep":"call"`)
}

func TestFlushWithEmptyQueueIsNoOp(t *testing.T) {
	sink := newRecordingSink(nil)
	d := NewDispatcher(slog.Default(), sink)

	var q Queue
	d.Flush(&q)

	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.sent)
}

func TestSinkFailureIsSwallowedAndOthersStillRun(t *testing.T) {
	failing := newRecordingSink(errors.New("twilio is down"))
	healthy := newRecordingSink(nil)
	d := NewDispatcher(slog.Default(), failing, healthy)

	var q Queue
	q.Set(Update{AssignmentID: "a1", CallStep: "done"})
	d.Flush(&q)

	failing.wait(t)
	healthy.wait(t)

	healthy.mu.Lock()
	defer healthy.mu.Unlock()
	require.Len(t, healthy.sent, 1)
}

func TestCallSinkSkipsWithoutCallSID(t *testing.T) {
	s := CallSink{Messenger: failingMessenger{}}
	err := s.Send(context.Background(), Update{AssignmentID: "a1"}, []byte("{}"))
	require.NoError(t, err, "no live call means nothing to send, not a failure")
}

type failingMessenger struct{}

func (failingMessenger) CreateUserDefinedMessage(ctx context.Context, callSID, content string) error {
	return errors.New("should not be called")
}

func TestChannelFor(t *testing.T) {
	require.Equal(t, "assignment:a1:status", ChannelFor("a1"))
}
