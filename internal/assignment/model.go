package assignment

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Assignment is one worker's attempt at one task: a single phone call from
// handshake to completion. All cross-request call state lives on this row;
// webhook handlers mutate it only through Repository.Mutate, which holds the
// row lock for the duration of the check-and-transition.
//
// Invariants:
// - CallStep only advances per the ordering in step.go (ResetToInitial aside).
// - CallConnectedAt is set at most once per attempt lifetime.
// - Every accepted or duplicate step application appends exactly one progress
//   record.

const (
	// AmazonIDMaxLen matches the marketplace's documented identifier bound.
	AmazonIDMaxLen = 255

	WorkerNameMaxLen = 40

	// maxProgressRecordLen bounds each stored progress record, timestamp
	// prefix included.
	maxProgressRecordLen = 256
)

var (
	ErrNotFound     = errors.New("assignment: not found")
	ErrStepBackward = errors.New("assignment: call step would move backward")
	ErrUnknownStep  = errors.New("assignment: unknown call step")
)

type Assignment struct {
	// AmazonID is the externally issued attempt identifier, or a synthesized
	// "simulated/..." identifier for preview attempts. Opaque but unique.
	AmazonID string `json:"amazon_id" db:"amazon_id"`

	TaskID   string `json:"task_id" db:"task_id"`
	WorkerID string `json:"worker_id" db:"worker_id"`

	CallStep CallStep `json:"call_step" db:"call_step"`

	CallStartedAt   *time.Time `json:"call_started_at,omitempty" db:"call_started_at"`
	CallConnectedAt *time.Time `json:"call_connected_at,omitempty" db:"call_connected_at"`
	CallCompletedAt *time.Time `json:"call_completed_at,omitempty" db:"call_completed_at"`

	// WordsToPronounce is the speech challenge, generated once per attempt
	// (regenerated only on reset).
	WordsToPronounce []string `json:"words_to_pronounce" db:"words_to_pronounce"`

	// Progress is the append-only audit trail. Records are
	// "{RFC3339 UTC}/{entry}", insertion-ordered, never rewritten.
	Progress []string `json:"progress" db:"progress"`

	VoicemailURL      string        `json:"voicemail_url,omitempty" db:"voicemail_url"`
	VoicemailDuration time.Duration `json:"voicemail_duration,omitempty" db:"voicemail_duration"`

	Feedback  string `json:"feedback,omitempty" db:"feedback"`
	UserAgent string `json:"user_agent,omitempty" db:"user_agent"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Task is the call campaign configuration an assignment belongs to. Read-only
// for the duration of a call.
type Task struct {
	AmazonID string `json:"amazon_id" db:"amazon_id"`
	Enabled  bool   `json:"enabled" db:"enabled"`

	Topic    string `json:"topic" db:"topic"`
	ShowHost string `json:"show_host" db:"show_host"`

	// MinCallDuration is how long a connected call must last before the
	// worker may finish; reported to the UI as the countdown on answer.
	MinCallDuration time.Duration `json:"min_call_duration" db:"min_call_duration"`

	// LeaveVoicemailAfter is the hold-loop budget measured from
	// CallStartedAt; once spent, a busy outcome routes to voicemail.
	LeaveVoicemailAfter time.Duration `json:"leave_voicemail_after_duration" db:"leave_voicemail_after_duration"`

	// ApprovalCode is handed to the worker on successful finalize.
	ApprovalCode string `json:"approval_code" db:"approval_code"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

func (g Gender) Valid() bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther:
		return true
	default:
		return false
	}
}

// Worker holds the read-mostly display attributes of the person doing the
// assignment. CallerID is the dial identity presented to the show host.
type Worker struct {
	AmazonID string `json:"amazon_id" db:"amazon_id"`
	Name     string `json:"name" db:"name"`
	Gender   Gender `json:"gender" db:"gender"`
	Location string `json:"location" db:"location"`
	CallerID string `json:"caller_id" db:"caller_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Transition is the outcome of applying a requested step.
type Transition struct {
	From      CallStep
	To        CallStep
	Duplicate bool
}

// Apply validates and applies a requested call step against the current one.
//
// A step equal to the current one is a no-op (re-delivered webhook) but is
// still recorded as a duplicate. A step earlier in the ordering is rejected
// with ErrStepBackward and mutates nothing. Timestamps are stamped on first
// entry only, per the rules in the field comments.
func (a *Assignment) Apply(step CallStep, now time.Time) (Transition, error) {
	if !step.Valid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}

	cur := a.CallStep
	if step == cur {
		a.AppendProgress(fmt.Sprintf("duplicate call step %s", step), now)
		a.UpdatedAt = now.UTC()
		return Transition{From: cur, To: cur, Duplicate: true}, nil
	}
	if step.Before(cur) {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: %s > %s", ErrStepBackward, cur, step)
	}

	a.AppendProgress(fmt.Sprintf("call step %s > %s", cur, step), now)
	a.CallStep = step

	utc := now.UTC()
	if cur == StepInitial && a.CallStartedAt == nil {
		t := utc
		a.CallStartedAt = &t
	}
	switch step {
	case StepCall, StepVoicemail, StepDone:
		if a.CallConnectedAt == nil {
			t := utc
			a.CallConnectedAt = &t
		}
	}
	if step == StepDone && a.CallCompletedAt == nil {
		t := utc
		a.CallCompletedAt = &t
	}
	a.UpdatedAt = utc

	return Transition{From: cur, To: step}, nil
}

// AppendProgress adds one timestamped record to the audit trail. Records
// longer than the bound are truncated at the tail; the timestamp prefix is
// never cut.
func (a *Assignment) AppendProgress(entry string, now time.Time) {
	record := now.UTC().Format(time.RFC3339) + "/" + entry
	if len(record) > maxProgressRecordLen {
		record = record[:maxProgressRecordLen]
		// Don't leave a torn rune at the cut.
		for len(record) > 0 && !utf8.ValidString(record) {
			record = record[:len(record)-1]
		}
	}
	a.Progress = append(a.Progress, record)
}

// AppendWorkerProgress records a browser-reported note, prefixed so
// dashboards can tell it apart from server-driven transitions.
func (a *Assignment) AppendWorkerProgress(entry string, now time.Time) {
	a.AppendProgress("worker: "+entry, now)
}

// LatestProgress returns the most recent record and the total count, which is
// what dashboards show without loading the whole trail.
func (a *Assignment) LatestProgress() (string, int) {
	if len(a.Progress) == 0 {
		return "", 0
	}
	return a.Progress[len(a.Progress)-1], len(a.Progress)
}

// VoicemailDeadline is the instant after which a busy outcome stops retrying
// and routes to voicemail. Not defined until the call has started.
func (a *Assignment) VoicemailDeadline(task Task) (time.Time, bool) {
	if a.CallStartedAt == nil {
		return time.Time{}, false
	}
	return a.CallStartedAt.Add(task.LeaveVoicemailAfter), true
}

// HoldCountdown is the remaining hold budget at now. Zero or negative means
// the budget is spent.
func (a *Assignment) HoldCountdown(task Task, now time.Time) time.Duration {
	deadline, ok := a.VoicemailDeadline(task)
	if !ok {
		return 0
	}
	return deadline.Sub(now)
}

// CallDuration is the connected span of the attempt; it runs until now for
// attempts still on a call.
func (a *Assignment) CallDuration(now time.Time) time.Duration {
	if a.CallConnectedAt == nil {
		return 0
	}
	end := now.UTC()
	if a.CallCompletedAt != nil {
		end = *a.CallCompletedAt
	}
	d := end.Sub(*a.CallConnectedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Simulated reports whether this is a preview attempt synthesized outside the
// marketplace. Only simulated attempts may be reset.
func (a *Assignment) Simulated() bool {
	return strings.HasPrefix(a.AmazonID, SimulatedPrefix)
}

// SimulatedPrefix marks attempt identifiers synthesized for previews.
const SimulatedPrefix = "simulated/"

// ResetToInitial returns a simulated attempt to its starting state with a
// fresh speech challenge. Clears everything Apply stamps.
func (a *Assignment) ResetToInitial(words []string, now time.Time) {
	a.CallStep = StepInitial
	a.CallStartedAt = nil
	a.CallConnectedAt = nil
	a.CallCompletedAt = nil
	a.WordsToPronounce = words
	a.Progress = nil
	a.VoicemailURL = ""
	a.VoicemailDuration = 0
	a.Feedback = ""
	a.UpdatedAt = now.UTC()
	a.AppendProgress("reset to initial", now)
}
