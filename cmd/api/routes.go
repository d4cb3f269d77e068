package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"showline/internal/asr"
	"showline/internal/assignment"
	"showline/internal/auth"
	"showline/internal/callflow"
	"showline/internal/config"
	"showline/internal/httpapi"
	"showline/internal/statuspush"
	"showline/internal/telephony"
)

type deps struct {
	repo        assignment.Repository
	minter      *auth.Minter
	rest        *telephony.RestClient
	dispatcher  *statuspush.Dispatcher
	transcriber asr.Transcriber
}

// registerRoutes wires all route groups.
// Keep this file free of business logic: construction and wiring only.
func registerRoutes(r *gin.Engine, cfg config.Config, d deps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Hold music and sound effects referenced from TwiML <Play> verbs.
	r.Static("/static", "./static")

	api := httpapi.Handlers{
		Repo:            d.repo,
		Minter:          d.minter,
		NumWords:        cfg.Verify.NumWords,
		DefaultCallerID: cfg.Twilio.CallerID,
		Production:      cfg.IsProduction(),
	}
	api.Register(r.Group("/api"))

	flow := callflow.NewHandler(d.repo, d.dispatcher, d.transcriber, d.rest, callflow.Options{
		SIPHostUser: cfg.Twilio.SIPHostUser,
		SIPDomain:   cfg.Twilio.SIPDomain,
		NumTries:    cfg.Verify.NumTries,
		Production:  cfg.IsProduction(),
	})

	twilio := r.Group("/twilio")
	twilio.Use(telephony.RequireSignature(cfg.Twilio.AuthToken, cfg.Twilio.AllowUnsignedWebhooks))
	flow.Register(twilio)
}
