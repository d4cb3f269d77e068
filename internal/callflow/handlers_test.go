package callflow

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showline/internal/assignment"
	"showline/internal/statuspush"
)

const (
	testAssignmentID = "A1XYZ"
	testTaskID       = "T1"
	testWorkerID     = "W1"
)

type fixture struct {
	repo   *assignment.MemoryRepo
	router *gin.Engine
	h      *Handler
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := assignment.NewMemoryRepo()
	repo.PutTask(assignment.Task{
		AmazonID:            testTaskID,
		Enabled:             true,
		Topic:               "local news",
		ShowHost:            "Pat",
		MinCallDuration:     2 * time.Minute,
		LeaveVoicemailAfter: 15 * time.Minute,
		ApprovalCode:        "code-1",
	})
	ctx := context.Background()
	_, err := repo.UpsertWorker(ctx, assignment.Worker{
		AmazonID: testWorkerID,
		Name:     "Sam",
		Gender:   assignment.GenderOther,
		CallerID: "+15550100",
	})
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, assignment.Assignment{
		AmazonID:         testAssignmentID,
		TaskID:           testTaskID,
		WorkerID:         testWorkerID,
		CallStep:         assignment.StepInitial,
		WordsToPronounce: []string{"apple", "lime", "mango"},
	})
	require.NoError(t, err)

	h := NewHandler(repo, statuspush.NewDispatcher(slog.Default()), nil, nil, Options{
		SIPHostUser: "host",
		SIPDomain:   "showline.sip.twilio.com",
		NumTries:    3,
		Production:  false,
	})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	router := gin.New()
	h.Register(router.Group("/twilio"))

	return &fixture{repo: repo, router: router, h: h, now: now}
}

func (fx *fixture) post(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	if form == nil {
		form = url.Values{}
	}
	if form.Get("CallSid") == "" {
		form.Set("CallSid", "CA1")
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func (fx *fixture) get(t *testing.T) assignment.Assignment {
	t.Helper()
	a, err := fx.repo.Get(context.Background(), testAssignmentID)
	require.NoError(t, err)
	return a
}

func (fx *fixture) setStep(t *testing.T, step assignment.CallStep, at time.Time) {
	t.Helper()
	err := fx.repo.Mutate(context.Background(), testAssignmentID, func(a *assignment.Assignment, _ assignment.Task) error {
		_, err := a.Apply(step, at)
		return err
	})
	require.NoError(t, err)
}

func verifyPath(q string) string {
	p := "/twilio/assignments/" + testAssignmentID + "/verify"
	if q != "" {
		p += "?" + q
	}
	return p
}

func TestOutgoingFirstRun(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, "/twilio/outgoing", url.Values{"assignment_id": {testAssignmentID}})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Welcome, Sam!")
	assert.Contains(t, body, "verify?first_run=1")

	a := fx.get(t)
	assert.Equal(t, assignment.StepInitial, a.CallStep)
	require.NotEmpty(t, a.Progress)
	assert.Contains(t, a.Progress[len(a.Progress)-1], "call initiated")
}

func TestOutgoingSkipsVerifyWhenPastInitial(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)

	w := fx.post(t, "/twilio/outgoing", url.Values{"assignment_id": {testAssignmentID}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/twilio/assignments/"+testAssignmentID+"/call</Redirect>")
}

func TestOutgoingCheatOnlyOutsideProduction(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, "/twilio/outgoing", url.Values{
		"assignment_id": {testAssignmentID},
		"cheat":         {"true"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Cheating.")

	fx2 := newFixture(t)
	fx2.h.production = true
	w = fx2.post(t, "/twilio/outgoing", url.Values{
		"assignment_id": {testAssignmentID},
		"cheat":         {"true"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Cheating.")
}

func TestVerifyFirstRunPrompts(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, verifyPath("first_run=1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "After the tone")
	assert.Contains(t, body, "Apple. Lime. Mango")
	assert.Contains(t, body, "try_count=2")
	assert.Contains(t, body, `input="speech"`)
	assert.Contains(t, body, `hints="apple, lime, mango"`)
}

func TestVerifyMatchAdvances(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, verifyPath("try_count=2"), url.Values{
		"SpeechResult": {"uh apple and lime then mango"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "That is correct!")
	assert.Contains(t, body, "hosted by Pat")
	assert.Contains(t, body, "/call</Redirect>")

	a := fx.get(t)
	assert.Equal(t, assignment.StepVerified, a.CallStep)
	require.NotNil(t, a.CallStartedAt)
}

func TestVerifyMismatchReprompts(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, verifyPath("try_count=2"), url.Values{
		"SpeechResult": {"mango lime apple"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "repeated the words incorrectly")
	assert.Contains(t, w.Body.String(), "try_count=3")
	assert.Equal(t, assignment.StepInitial, fx.get(t).CallStep)
}

func TestVerifySilenceReprompts(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, verifyPath("try_count=2"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "check that your microphone")

	a := fx.get(t)
	found := false
	for _, p := range a.Progress {
		if strings.Contains(p, "SILENCE") {
			found = true
		}
	}
	assert.True(t, found, "expected SILENCE progress record")
}

func TestVerifyExhaustionHangsUp(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, verifyPath("try_count=4"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Hangup>")
	assert.Equal(t, assignment.StepInitial, fx.get(t).CallStep)
}

func TestCallDialsSip(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/call", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "sip:host@showline.sip.twilio.com")
	assert.Contains(t, body, `answerOnBridge="true"`)
	assert.Contains(t, body, `callerId="+15550100"`)
	assert.Contains(t, body, "callback/answered")
	assert.Contains(t, body, "call/done")
}

func TestCallStampsVerifiedFromCheatPath(t *testing.T) {
	fx := newFixture(t)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/call", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, assignment.StepVerified, fx.get(t).CallStep)
}

func TestCallbackAnsweredInProgress(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/callback/answered", url.Values{
		"CallStatus":    {"in-progress"},
		"ParentCallSid": {"CA1"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	a := fx.get(t)
	assert.Equal(t, assignment.StepCall, a.CallStep)
	require.NotNil(t, a.CallConnectedAt)
}

func TestCallbackAnsweredCompletedMarksDoneFromCall(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)
	fx.setStep(t, assignment.StepCall, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/callback/answered", url.Values{
		"CallStatus":    {"completed"},
		"ParentCallSid": {"CA1"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	a := fx.get(t)
	assert.Equal(t, assignment.StepDone, a.CallStep)
	require.NotNil(t, a.CallCompletedAt)
}

func TestCallbackAnsweredCompletedBeforeConnectLogsOnly(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/callback/answered", url.Values{
		"CallStatus":    {"completed"},
		"ParentCallSid": {"CA1"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	a := fx.get(t)
	assert.Equal(t, assignment.StepVerified, a.CallStep)
	assert.Contains(t, a.Progress[len(a.Progress)-1], "not marked done")
}

func TestCallDoneBusyWithinBudgetHolds(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now) // call_started_at = now
	fx.h.now = func() time.Time { return fx.now.Add(10 * time.Minute) }

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/call/done", url.Values{
		"DialCallStatus": {"busy"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "taking another call")
	assert.Contains(t, body, "5 minutes")
	assert.Contains(t, body, "/call</Redirect>")
	assert.Equal(t, assignment.StepHold, fx.get(t).CallStep)
}

func TestCallDoneBusyPastBudgetRoutesToVoicemail(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)
	fx.setStep(t, assignment.StepHold, fx.now)
	fx.h.now = func() time.Time { return fx.now.Add(16 * time.Minute) }

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/call/done", url.Values{
		"DialCallStatus": {"no-answer"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "leaving a voicemail")
	assert.Contains(t, body, "/voicemail</Redirect>")
	assert.Equal(t, assignment.StepHold, fx.get(t).CallStep)
}

func TestCallDoneCompletedRedirects(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/call/done", url.Values{
		"DialCallStatus": {"completed"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/completed</Redirect>")
}

func TestVoicemailRecords(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)
	fx.setStep(t, assignment.StepHold, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/voicemail", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `maxLength="150"`)
	assert.Contains(t, body, "callback/voicemail")

	a := fx.get(t)
	assert.Equal(t, assignment.StepVoicemail, a.CallStep)
	require.NotNil(t, a.CallConnectedAt)
}

func TestCallbackVoicemailStoresRecordingEvenWhenDone(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)
	fx.setStep(t, assignment.StepVoicemail, fx.now)
	fx.setStep(t, assignment.StepDone, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/callback/voicemail", url.Values{
		"RecordingUrl":      {"https://api.twilio.com/recordings/RE1"},
		"RecordingDuration": {"42"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	a := fx.get(t)
	assert.Equal(t, "https://api.twilio.com/recordings/RE1", a.VoicemailURL)
	assert.Equal(t, 42*time.Second, a.VoicemailDuration)
	assert.Equal(t, assignment.StepDone, a.CallStep)
}

func TestCompletedMarksDone(t *testing.T) {
	fx := newFixture(t)
	fx.setStep(t, assignment.StepVerified, fx.now)
	fx.setStep(t, assignment.StepCall, fx.now)

	w := fx.post(t, "/twilio/assignments/"+testAssignmentID+"/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "successfully completed")
	assert.Contains(t, w.Body.String(), "<Hangup>")

	a := fx.get(t)
	assert.Equal(t, assignment.StepDone, a.CallStep)
	require.NotNil(t, a.CallCompletedAt)
}

func TestUnknownAssignmentIs404(t *testing.T) {
	fx := newFixture(t)
	w := fx.post(t, "/twilio/assignments/nope/completed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
