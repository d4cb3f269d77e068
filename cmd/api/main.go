package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"showline/internal/asr"
	"showline/internal/assignment"
	"showline/internal/auth"
	"showline/internal/config"
	"showline/internal/statuspush"
	"showline/internal/telephony"
	"showline/pkg/logger"
	"showline/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	repo := assignment.NewPostgresRepo(db)

	minter, err := auth.NewMinter(
		cfg.Twilio.AccountSID,
		cfg.Twilio.APIKey,
		cfg.Twilio.APISecret,
		cfg.Twilio.TwimlAppSID,
	)
	if err != nil {
		log.Error("token minter init failed", "err", err)
		os.Exit(1)
	}

	rest := telephony.NewRestClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)

	dispatcher := statuspush.NewDispatcher(log,
		statuspush.CallSink{Messenger: rest},
		statuspush.RedisSink{Client: rdb},
	)

	var transcriber asr.Transcriber = asr.Disabled{}
	if cfg.ASR.BaseURL != "" {
		transcriber = asr.NewClient(cfg.ASR, log)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, cfg, deps{
		repo:        repo,
		minter:      minter,
		rest:        rest,
		dispatcher:  dispatcher,
		transcriber: transcriber,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
