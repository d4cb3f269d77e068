// Package httpapi is the browser-facing JSON API: the handshake that creates
// an assignment, the voice token endpoints the softphone needs, and the
// progress/finalize calls the UI makes around the phone call itself.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"showline/internal/assignment"
	"showline/internal/auth"
	"showline/internal/verify"
	"showline/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Repo   assignment.Repository
	Minter *auth.Minter

	NumWords        int
	DefaultCallerID string
	Production      bool

	Now func() time.Time
}

// EstimatedBeforeVerified is how long the pre-call steps (greeting plus
// speech challenge) typically take; the UI adds it to its time estimates.
const EstimatedBeforeVerified = 90 * time.Second

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handlers) numWords() int {
	if h.NumWords > 0 {
		return h.NumWords
	}
	return verify.DefaultNumWords
}

// Register wires the browser API routes.
func (h Handlers) Register(g *gin.RouterGroup) {
	g.POST("/handshake/preview", h.HandshakePreview)
	g.POST("/handshake", h.Handshake)
	g.POST("/progress", h.Progress)
	g.POST("/token", h.Token)
	g.POST("/name", h.Name)
	g.POST("/finalize", h.Finalize)
}

/* ===================== ENVELOPE ===================== */

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

func (h Handlers) internalError(c *gin.Context, err error) {
	logger.FromGin(c).Error("api handler failed", "err", err)
	fail(c, http.StatusInternalServerError, "Unexpected error occurred!")
}

func (h Handlers) mapRepoError(c *gin.Context, err error) {
	if errors.Is(err, assignment.ErrNotFound) {
		fail(c, http.StatusNotFound, "Something you're looking for was not found")
		return
	}
	h.internalError(c, err)
}

/* ===================== HANDSHAKE ===================== */

type handshakeRequest struct {
	AssignmentID string `json:"assignmentId"`
	WorkerID     string `json:"workerId"`
	TaskID       string `json:"taskId"`
	IsPreview    bool   `json:"isPreview"`
	UserAgent    string `json:"userAgent"`
}

type taskInfo struct {
	Topic                          string `json:"topic"`
	ShowHost                       string `json:"showHost"`
	IsProd                         bool   `json:"isProd"`
	EstimatedBeforeVerifiedSeconds int    `json:"estimatedBeforeVerifiedSeconds"`
	MinCallDurationSeconds         int    `json:"minCallDurationSeconds"`
	LeaveVoicemailAfterSeconds     int    `json:"leaveVoicemailAfterSeconds"`
}

func (h Handlers) taskInfo(t assignment.Task) taskInfo {
	return taskInfo{
		Topic:                          t.Topic,
		ShowHost:                       t.ShowHost,
		IsProd:                         h.Production,
		EstimatedBeforeVerifiedSeconds: int(EstimatedBeforeVerified / time.Second),
		MinCallDurationSeconds:         int(t.MinCallDuration / time.Second),
		LeaveVoicemailAfterSeconds:     int(t.LeaveVoicemailAfter / time.Second),
	}
}

// lookupTask resolves the task the handshake refers to. Outside production a
// missing task id falls back to the newest enabled task so previews work
// without marketplace parameters.
func (h Handlers) lookupTask(c *gin.Context, taskID string) (assignment.Task, bool) {
	ctx := c.Request.Context()
	var (
		task assignment.Task
		err  error
	)
	switch {
	case taskID != "":
		task, err = h.Repo.GetTask(ctx, taskID)
	case !h.Production:
		task, err = h.Repo.LatestTask(ctx)
	default:
		fail(c, http.StatusBadRequest, "Task not found!")
		return assignment.Task{}, false
	}
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			fail(c, http.StatusBadRequest, "Task not found!")
		} else {
			h.internalError(c, err)
		}
		return assignment.Task{}, false
	}
	return task, true
}

func (h Handlers) HandshakePreview(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	task, ok := h.lookupTask(c, req.TaskID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"task":    h.taskInfo(task),
	})
}

func (h Handlers) Handshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	task, ok := h.lookupTask(c, req.TaskID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	workerID := req.WorkerID
	if workerID == "" {
		if h.Production {
			fail(c, http.StatusBadRequest, "Worker ID invalid")
			return
		}
		workerID = assignment.SimulatedPrefix + "worker"
	}

	worker, err := h.Repo.UpsertWorker(ctx, assignment.Worker{
		AmazonID: workerID,
		CallerID: h.DefaultCallerID,
	})
	if err != nil {
		h.internalError(c, err)
		return
	}
	if worker.Name == "" {
		worker.Name = "Worker"
	}

	assignmentID := req.AssignmentID
	resetToInitial := false
	if assignmentID == "" {
		if h.Production {
			fail(c, http.StatusBadRequest, "Assignment ID invalid")
			return
		}
		assignmentID = fmt.Sprintf("%sworker:%s/task:%s", assignment.SimulatedPrefix, worker.AmazonID, task.AmazonID)
		// Simulated attempts restart from scratch on every handshake.
		resetToInitial = true
	}

	a, err := h.Repo.Upsert(ctx, assignment.Assignment{
		AmazonID:         assignmentID,
		TaskID:           task.AmazonID,
		WorkerID:         worker.AmazonID,
		CallStep:         assignment.StepInitial,
		WordsToPronounce: verify.ChallengeWords(h.numWords()),
		UserAgent:        req.UserAgent,
	})
	if err != nil {
		h.internalError(c, err)
		return
	}

	if resetToInitial && a.Simulated() {
		err = h.Repo.Mutate(ctx, a.AmazonID, func(a *assignment.Assignment, _ assignment.Task) error {
			a.ResetToInitial(verify.ChallengeWords(h.numWords()), h.now())
			return nil
		})
		if err != nil {
			h.internalError(c, err)
			return
		}
	}

	token, err := h.Minter.MintVoiceToken(worker.AmazonID, h.now())
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"task":                h.taskInfo(task),
		"assignmentId":        a.AmazonID,
		"taskId":              task.AmazonID,
		"workerId":            worker.AmazonID,
		"name":                worker.Name,
		"gender":              worker.Gender,
		"location":            worker.Location,
		"nameMaxLength":       assignment.WorkerNameMaxLen,
		"numWordsToPronounce": h.numWords(),
		"token":               token,
	})
}

/* ===================== IN-CALL SUPPORT ===================== */

type progressRequest struct {
	AssignmentID string `json:"assignmentId"`
	Progress     string `json:"progress"`
}

// Progress stores a best-effort note from the browser, distinct from
// server-driven transitions.
func (h Handlers) Progress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AssignmentID == "" {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.Repo.Mutate(c.Request.Context(), req.AssignmentID, func(a *assignment.Assignment, _ assignment.Task) error {
		a.AppendWorkerProgress(req.Progress, h.now())
		return nil
	})
	if err != nil {
		h.mapRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type assignmentRequest struct {
	AssignmentID string `json:"assignmentId"`
}

// Token re-mints the voice access token; the browser calls this when the old
// one nears expiry.
func (h Handlers) Token(c *gin.Context) {
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AssignmentID == "" {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	a, err := h.Repo.Get(c.Request.Context(), req.AssignmentID)
	if err != nil {
		h.mapRepoError(c, err)
		return
	}
	token, err := h.Minter.MintVoiceToken(a.WorkerID, h.now())
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

type nameRequest struct {
	AssignmentID string `json:"assignmentId"`
	Name         string `json:"name"`
	Gender       string `json:"gender"`
}

func (h Handlers) Name(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AssignmentID == "" {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	gender := assignment.Gender(req.Gender)
	if !gender.Valid() {
		fail(c, http.StatusBadRequest, fmt.Sprintf("Invalid gender %q", req.Gender))
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > assignment.WorkerNameMaxLen {
		name = name[:assignment.WorkerNameMaxLen]
	}
	if name == "" {
		fail(c, http.StatusBadRequest, "Empty name!")
		return
	}

	ctx := c.Request.Context()
	a, err := h.Repo.Get(ctx, req.AssignmentID)
	if err != nil {
		h.mapRepoError(c, err)
		return
	}
	if err := h.Repo.UpdateWorkerName(ctx, a.WorkerID, name, gender); err != nil {
		h.mapRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

/* ===================== FINALIZE ===================== */

type finalizeRequest struct {
	AssignmentID string `json:"assignmentId"`
	Feedback     string `json:"feedback"`
}

type finalizeResponse struct {
	Success             bool   `json:"success"`
	Accepted            bool   `json:"accepted"`
	ApprovalCode        string `json:"approvalCode,omitempty"`
	Feedback            string `json:"feedback,omitempty"`
	CallDurationSeconds int    `json:"callDurationSeconds"`
}

// Finalize is the browser's terminal check. An attempt still in CALL or
// VOICEMAIL is treated as done: calls drop abruptly and the worker should
// not lose the assignment over it.
func (h Handlers) Finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AssignmentID == "" {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	var out finalizeResponse
	now := h.now()
	err := h.Repo.Mutate(c.Request.Context(), req.AssignmentID, func(a *assignment.Assignment, task assignment.Task) error {
		a.Feedback = strings.TrimSpace(req.Feedback)

		if a.CallStep == assignment.StepCall || a.CallStep == assignment.StepVoicemail {
			a.AppendProgress(fmt.Sprintf("finalize moving from %s > %s", a.CallStep, assignment.StepDone), now)
			if _, err := a.Apply(assignment.StepDone, now); err != nil {
				return err
			}
		}

		if a.CallStep == assignment.StepDone {
			a.AppendProgress("finalize success, approval code granted", now)
			feedback := a.Feedback
			if feedback == "" {
				feedback = "[none]"
			}
			out = finalizeResponse{
				Success:             true,
				Accepted:            true,
				ApprovalCode:        task.ApprovalCode,
				Feedback:            feedback,
				CallDurationSeconds: int(a.CallDuration(now).Round(time.Second) / time.Second),
			}
			return nil
		}

		a.AppendProgress(fmt.Sprintf("finalize failure, wasn't in correct call step (%s)", a.CallStep), now)
		out = finalizeResponse{Success: true, Accepted: false}
		return nil
	})
	if err != nil {
		h.mapRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
