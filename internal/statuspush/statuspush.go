// Package statuspush carries call-step updates from committed webhook
// transactions out to the worker's browser.
//
// The webhook response controls a live phone call and must return fast, so
// pushes are queued during the handler and dispatched only after the
// enclosing transaction commits. A dispatch failure is logged and dropped:
// it never blocks, retries, or rolls back the state change it describes. The
// browser just sees a stale (never wrong) view until the next push lands.
package statuspush

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Update is one status notification. Countdown and WordsHeard are optional;
// the JSON field names are what the browser client listens for.
type Update struct {
	AssignmentID string `json:"-"`
	// CallSID addresses the live call the browser is attached to.
	CallSID string `json:"-"`

	CallStep   string  `json:"callStep"`
	Countdown  *int    `json:"countdown"`
	WordsHeard *string `json:"wordsHeard"`
}

// WithCountdown attaches a countdown in whole seconds, clamped at zero.
func (u Update) WithCountdown(d time.Duration) Update {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	u.Countdown = &secs
	return u
}

// WithWordsHeard attaches the raw transcript for UI display on verify
// retries.
func (u Update) WithWordsHeard(s string) Update {
	u.WordsHeard = &s
	return u
}

func (u Update) content() ([]byte, error) {
	return json.Marshal(u)
}

// Queue collects at most one pending update per request. Setting twice keeps
// the later update; a handler's final word on the call step wins.
type Queue struct {
	pending *Update
}

func (q *Queue) Set(u Update) {
	q.pending = &u
}

// Pending returns the queued update, if any.
func (q *Queue) Pending() (Update, bool) {
	if q.pending == nil {
		return Update{}, false
	}
	return *q.pending, true
}

// Sink delivers one update to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, u Update, content []byte) error
}

// Dispatcher fans an update out to every configured sink, best-effort.
type Dispatcher struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, log: log, timeout: 5 * time.Second}
}

// Flush dispatches the queued update, if any, in the background. Call it
// only after the transaction that produced the update has committed; the
// request context has usually ended by the time sends complete, so dispatch
// runs on a detached context.
func (d *Dispatcher) Flush(q *Queue) {
	u, ok := q.Pending()
	if !ok {
		return
	}
	go d.dispatch(u)
}

func (d *Dispatcher) dispatch(u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	content, err := u.content()
	if err != nil {
		d.log.Error("status push encode failed", "assignment_id", u.AssignmentID, "err", err)
		return
	}

	for _, s := range d.sinks {
		if err := s.Send(ctx, u, content); err != nil {
			// Swallowed on purpose; the committed transition stands.
			d.log.Error("status push failed",
				"sink", s.Name(),
				"assignment_id", u.AssignmentID,
				"call_step", u.CallStep,
				"err", err,
			)
		}
	}
}
