// Package callflow implements the webhook side of one call attempt: the
// ordered set of Twilio endpoints that together walk an assignment from the
// greeting through verification, dialing, the hold loop, voicemail, and
// completion.
//
// Every handler follows the same shape: parse the provider form, load the
// assignment under its row lock, apply a step transition, build the TwiML
// that controls what the live call does next, commit, then flush the queued
// status push. Handlers are idempotent under webhook re-delivery.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"showline/internal/assignment"
	"showline/internal/asr"
	"showline/internal/statuspush"
	"showline/internal/telephony"
	"showline/internal/verify"
	"showline/pkg/logger"
)

const holdMusicTracks = 4

// RecordingFetcher downloads recorded audio for the ASR fallback path.
// Satisfied by telephony.RestClient.
type RecordingFetcher interface {
	FetchRecording(ctx context.Context, recordingURL string) (io.ReadCloser, error)
}

// Handler serves the Twilio voice webhooks.
type Handler struct {
	repo        assignment.Repository
	dispatcher  *statuspush.Dispatcher
	transcriber asr.Transcriber
	recordings  RecordingFetcher

	sipHostUser string
	sipDomain   string
	numTries    int
	production  bool

	now func() time.Time
}

type Options struct {
	SIPHostUser string
	SIPDomain   string
	NumTries    int
	Production  bool
}

func NewHandler(
	repo assignment.Repository,
	dispatcher *statuspush.Dispatcher,
	transcriber asr.Transcriber,
	recordings RecordingFetcher,
	opts Options,
) *Handler {
	if opts.NumTries <= 0 {
		opts.NumTries = verify.DefaultNumTries
	}
	return &Handler{
		repo:        repo,
		dispatcher:  dispatcher,
		transcriber: transcriber,
		recordings:  recordings,
		sipHostUser: opts.SIPHostUser,
		sipDomain:   opts.SIPDomain,
		numTries:    opts.NumTries,
		production:  opts.Production,
		now:         time.Now,
	}
}

// Register wires the webhook routes onto a group that already carries the
// signature middleware.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/outgoing", h.Outgoing)
	g.POST("/assignments/:assignment_id/verify", h.Verify)
	g.POST("/assignments/:assignment_id/call", h.Call)
	g.POST("/assignments/:assignment_id/callback/answered", h.CallbackAnswered)
	g.POST("/assignments/:assignment_id/call/done", h.CallDone)
	g.POST("/assignments/:assignment_id/voicemail", h.Voicemail)
	g.POST("/assignments/:assignment_id/callback/voicemail", h.CallbackVoicemail)
	g.POST("/assignments/:assignment_id/completed", h.Completed)
}

/* ===================== ROUTE HELPERS ===================== */

// Action URLs are relative; Twilio resolves them against the webhook URL it
// just hit, so the service never needs to know its public hostname.
func assignmentURL(name, assignmentID string) string {
	return fmt.Sprintf("/twilio/assignments/%s/%s", assignmentID, name)
}

func soundPath(name string) string {
	return fmt.Sprintf("/static/sounds/%s.mp3", name)
}

func prettyMinutes(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func titleWords(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		if w == "" {
			continue
		}
		out[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(out, ". ")
}

/* ===================== SHARED PLUMBING ===================== */

// mutate runs fn against the locked assignment, then renders the TwiML it
// produced and flushes the queued status push. fn returning nil TwiML means
// a bare 204 (status callbacks need no call control document).
func (h *Handler) mutate(c *gin.Context, assignmentID string, fn func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error)) {
	log := logger.FromGin(c)
	q := &statuspush.Queue{}
	var vr *telephony.VoiceResponse

	err := h.repo.Mutate(c.Request.Context(), assignmentID, func(a *assignment.Assignment, task assignment.Task) error {
		var err error
		vr, err = fn(a, task, q)
		return err
	})
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "assignment not found"})
			return
		}
		log.Error("webhook handler failed", "assignment_id", assignmentID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The transaction is committed; pushes may flow.
	h.dispatcher.Flush(q)

	if vr == nil {
		c.Status(http.StatusNoContent)
		return
	}
	h.renderTwiML(c, vr)
}

func (h *Handler) renderTwiML(c *gin.Context, vr *telephony.VoiceResponse) {
	xml, err := vr.Render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(xml))
}

// applyStep advances the call step, treating a backward request as the
// logged no-op the transition contract requires.
func (h *Handler) applyStep(log *slog.Logger, a *assignment.Assignment, step assignment.CallStep, now time.Time) assignment.Transition {
	tr, err := a.Apply(step, now)
	if err != nil {
		log.Warn("call step not applied",
			"assignment_id", a.AmazonID,
			"current", a.CallStep.String(),
			"requested", step.String(),
			"err", err,
		)
	}
	return tr
}

func pushFor(a *assignment.Assignment, callSID string) statuspush.Update {
	return statuspush.Update{
		AssignmentID: a.AmazonID,
		CallSID:      callSID,
		CallStep:     a.CallStep.String(),
	}
}

/* ===================== HANDLERS ===================== */

// Outgoing is the TwiML application's voice URL: the browser's Device.connect
// lands here with the assignment id as a custom parameter.
func (h *Handler) Outgoing(c *gin.Context) {
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.PostForm("assignment_id")
	cheated := !h.production && c.PostForm("cheat") == "true"

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		worker, err := h.repo.GetWorker(c.Request.Context(), a.WorkerID)
		if err != nil {
			return nil, err
		}

		vr := telephony.NewVoiceResponse()
		if cheated {
			vr.Say("Cheating.")
		} else {
			vr.Say(fmt.Sprintf(
				"Welcome, %s! Thanks for doing this assignment. Are you excited to call the radio show?",
				worker.Name,
			))
		}

		if cheated || a.CallStep != assignment.StepInitial {
			a.AppendProgress("call initiated (skipping verify)", now)
			vr.Redirect(assignmentURL("call", a.AmazonID))
			return vr, nil
		}

		a.AppendProgress("call initiated", now)
		q.Set(pushFor(a, f.CallSid))
		vr.Say("First, we'll test your speaker and microphone and your ability to speak English.")
		vr.Pause(1)
		vr.Redirect(assignmentURL("verify?first_run=1", a.AmazonID))
		return vr, nil
	})
}

// Verify runs one turn of the speech challenge.
func (h *Handler) Verify(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")
	firstRun := c.Query("first_run") == "1"
	tryCount, _ := strconv.Atoi(c.DefaultQuery("try_count", "1"))
	if tryCount < 1 {
		tryCount = 1
	}

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		vr := telephony.NewVoiceResponse()

		if tryCount > h.numTries {
			a.AppendProgress(fmt.Sprintf("verify hangup - tried %d times", h.numTries), now)
			vr.Say("We didn't seem to hear anything. Please check that your microphone is working correctly and call again.")
			vr.Hangup()
			return vr, nil
		}

		transcript := h.transcript(c, log, f)
		if transcript != "" {
			heard := verify.NormalizeWords(transcript)
			match := verify.IsSubsequence(a.WordsToPronounce, heard)
			progressLine := fmt.Sprintf("expected=[%s], actual=[%s], try_count=%d",
				strings.Join(a.WordsToPronounce, ", "), strings.Join(heard, ", "), tryCount-1)
			log.Info("verify words heard", "match", match, "detail", progressLine)

			if match {
				a.AppendProgress("verify succeeded - "+progressLine, now)
				h.applyStep(log, a, assignment.StepVerified, now)
				q.Set(pushFor(a, f.CallSid))
				vr.Say(fmt.Sprintf(
					"That is correct! Well done. You are now being connected to the radio show. The show is hosted by %s. The topic of conversation is: %s.",
					task.ShowHost, task.Topic,
				))
				vr.Redirect(assignmentURL("call", a.AmazonID))
				return vr, nil
			}

			a.AppendProgress("verify failed - "+progressLine, now)
			// Step stays put; echo the transcript so the UI shows what the
			// model heard.
			q.Set(pushFor(a, f.CallSid).WithWordsHeard(transcript))
			vr.Say("You repeated the words incorrectly. Please try again.")
			vr.Pause(1)
		} else if !firstRun {
			q.Set(pushFor(a, f.CallSid).WithWordsHeard("<<<SILENCE>>>"))
			a.AppendProgress(fmt.Sprintf("verify failed - SILENCE, try_count=%d", tryCount), now)
			vr.Say("We didn't seem to hear anything. Please check that your microphone is working correctly.")
			vr.Pause(1)
		}

		if firstRun {
			vr.Say("After the tone, please repeat the following fruits.")
		} else {
			vr.Say("Repeat the following fruits. When you are done, stay silent.")
		}
		vr.Pause(1)
		vr.Say(titleWords(a.WordsToPronounce))

		a.AppendProgress("recording verify speech", now)
		g := &telephony.Gather{
			Action:              assignmentURL(fmt.Sprintf("verify?try_count=%d", tryCount+1), a.AmazonID),
			ActionOnEmptyResult: true,
			Input:               "speech",
			Hints:               strings.Join(a.WordsToPronounce, ", "),
			SpeechModel:         "experimental_conversations",
			Timeout:             4,
			MaxSpeechTime:       10,
		}
		g.Play(soundPath("beep"))
		vr.Gather(g)
		return vr, nil
	})
}

// transcript returns the provider transcript, falling back to our own ASR
// when a recording arrived without one.
func (h *Handler) transcript(c *gin.Context, log *slog.Logger, f telephony.WebhookForm) string {
	if f.SpeechResult != "" || f.RecordingURL == "" {
		return f.SpeechResult
	}
	if h.transcriber == nil || h.recordings == nil {
		return ""
	}

	audio, err := h.recordings.FetchRecording(c.Request.Context(), f.RecordingURL)
	if err != nil {
		log.Error("recording fetch failed", "recording_url", f.RecordingURL, "err", err)
		return ""
	}
	defer audio.Close()

	text, err := h.transcriber.Transcribe(c.Request.Context(), audio, f.CallSid)
	if err != nil {
		if !errors.Is(err, asr.ErrDisabled) {
			log.Error("fallback transcription failed", "call_sid", f.CallSid, "err", err)
		}
		return ""
	}
	log.Info("fallback transcription used", "call_sid", f.CallSid)
	return text
}

// Call bridges the worker to the show host over SIP.
func (h *Handler) Call(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		worker, err := h.repo.GetWorker(c.Request.Context(), a.WorkerID)
		if err != nil {
			return nil, err
		}

		if a.CallStep == assignment.StepInitial {
			// Cheat path lands here without passing verification.
			h.applyStep(log, a, assignment.StepVerified, now)
		}
		// Ringing again; remind the UI either way.
		q.Set(pushFor(a, f.CallSid))

		d := &telephony.Dial{
			Action:         assignmentURL("call/done", a.AmazonID),
			AnswerOnBridge: true,
			CallerID:       worker.CallerID,
		}
		d.Sip(
			fmt.Sprintf("sip:%s@%s", h.sipHostUser, h.sipDomain),
			assignmentURL("callback/answered", a.AmazonID),
			"answered completed",
		)
		return telephony.NewVoiceResponse().Dial(d), nil
	})
}

// CallbackAnswered is the dialed leg's status callback.
func (h *Handler) CallbackAnswered(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		switch f.CallStatus {
		case "in-progress": // Answered
			h.applyStep(log, a, assignment.StepCall, now)
			q.Set(pushFor(a, f.ParentCallSid).WithCountdown(task.MinCallDuration))
		case "completed":
			if a.CallStep == assignment.StepCall || a.CallStep == assignment.StepVoicemail {
				// Hang-up during the live call or recording counts as done.
				// No push: the browser reaches the final step on its own.
				h.applyStep(log, a, assignment.StepDone, now)
			} else {
				a.AppendProgress("call completed, not marked done", now)
			}
		}
		return nil, nil
	})
}

// CallDone handles the dial outcome: completed, busy, or no-answer.
func (h *Handler) CallDone(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		vr := telephony.NewVoiceResponse()

		switch f.DialCallStatus {
		case "completed":
			vr.Redirect(assignmentURL("completed", a.AmazonID))

		case "no-answer", "busy":
			vr.Say("The host of the show is currently taking another call.")
			countdown := a.HoldCountdown(task, now)
			if countdown > 0 {
				a.AppendProgress(fmt.Sprintf("hold loop, countdown=%s", countdown.Round(time.Second)), now)
				h.applyStep(log, a, assignment.StepHold, now)
				q.Set(pushFor(a, f.CallSid).WithCountdown(countdown))
				vr.Say(fmt.Sprintf(
					"You must wait for the host to answer your call for at least another %s, at which point you can leave a voicemail and submit this assignment. NOTE: The host may answer sooner, so you may not have to wait the full %s.",
					prettyMinutes(countdown), prettyMinutes(countdown),
				))
				vr.Play(soundPath("busy-signal"))
				if h.production {
					vr.Play(soundPath(fmt.Sprintf("hold-music-%d", 1+rand.IntN(holdMusicTracks))))
				}
				vr.Say("Trying to connect again now.")
				vr.Redirect(assignmentURL("call", a.AmazonID))
			} else {
				a.AppendProgress("finished hold loop, allowing voicemail", now)
				vr.Say(fmt.Sprintf(
					"Since you have waited %s, you may now complete this assignment and submit it after leaving a voicemail. After you are done recording, press the 'finish voicemail' button, or stay silent for a few moments. If you provide a silent voicemail, your assignment will be rejected.",
					prettyMinutes(task.LeaveVoicemailAfter),
				))
				vr.Pause(1)
				vr.Say("At the tone, please record your message.")
				vr.Redirect(assignmentURL("voicemail", a.AmazonID))
			}
		}
		return vr, nil
	})
}

// Voicemail records the worker's message.
func (h *Handler) Voicemail(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		h.applyStep(log, a, assignment.StepVoicemail, now)
		q.Set(pushFor(a, f.CallSid))

		vr := telephony.NewVoiceResponse()
		vr.Record(telephony.Record{
			Timeout:                 5,
			MaxLength:               150, // 2.5 minutes
			Action:                  assignmentURL("completed", a.AmazonID),
			RecordingStatusCallback: assignmentURL("callback/voicemail", a.AmazonID),
		})
		// Record can bail without invoking its action; loop back around.
		vr.Redirect(assignmentURL("voicemail", a.AmazonID))
		return vr, nil
	})
}

// CallbackVoicemail stores the recording artifact. It may arrive at any time,
// in any state; late delivery is never rejected.
func (h *Handler) CallbackVoicemail(c *gin.Context) {
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		a.AppendProgress("voicemail callback", now)
		a.VoicemailURL = f.RecordingURL
		a.VoicemailDuration = time.Duration(f.RecordingDuration) * time.Second
		a.UpdatedAt = now.UTC()
		return nil, nil
	})
}

// Completed closes out the call.
func (h *Handler) Completed(c *gin.Context) {
	log := logger.FromGin(c)
	f, err := telephony.ParseWebhookForm(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad form"})
		return
	}
	assignmentID := c.Param("assignment_id")

	h.mutate(c, assignmentID, func(a *assignment.Assignment, task assignment.Task, q *statuspush.Queue) (*telephony.VoiceResponse, error) {
		now := h.now()
		h.applyStep(log, a, assignment.StepDone, now)
		q.Set(pushFor(a, f.CallSid))

		vr := telephony.NewVoiceResponse()
		vr.Say("You have successfully completed this assignment. Thanks!")
		vr.Play(soundPath("fun-music"))
		vr.Hangup()
		return vr, nil
	})
}
