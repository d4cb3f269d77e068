package asr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"strings"

	"github.com/avast/retry-go"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker/v2"

	"showline/internal/config"
)

// Transcriber turns recorded worker audio into text. It backs up the
// provider's live speech recognition when a verification webhook arrives
// without a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, requestID string) (string, error)
}

var ErrDisabled = errors.New("asr: fallback transcription disabled")

// Client calls an OpenAI-compatible transcription endpoint behind a retry
// loop and a circuit breaker, so a degraded ASR backend cannot stall the
// webhook path.
type Client struct {
	api     *openai.Client
	breaker *gobreaker.CircuitBreaker[string]
	cfg     config.ASRConfig
	log     *slog.Logger
}

func NewClient(cfg config.ASRConfig, log *slog.Logger) *Client {
	// SDK-level retries are off; retry.Do owns the retry policy here.
	api := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	)

	settings := gobreaker.Settings{
		Name:     "asr",
		Interval: cfg.BreakerInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit state changed",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &Client{
		api:     &api,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
		cfg:     cfg,
		log:     log,
	}
}

func (c *Client) Transcribe(ctx context.Context, audio io.Reader, requestID string) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", err
	}

	text, err := c.breaker.Execute(func() (string, error) {
		return c.doTranscribe(ctx, data, requestID)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) doTranscribe(ctx context.Context, data []byte, requestID string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var text string
	err := retry.Do(
		func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			body, contentType, err := c.buildBody(data)
			if err != nil {
				return err
			}

			resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{},
				option.WithHeader("x-request-id", requestID),
				option.WithRequestBody(contentType, body),
			)
			if err != nil {
				c.log.Error("transcription request failed",
					slog.String("request_id", requestID),
					slog.String("error", err.Error()),
				)
				return err
			}

			text = resp.Text
			return nil
		},
		retry.Attempts(c.cfg.RetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryMinBackoff),
		retry.MaxDelay(c.cfg.RetryMaxBackoff),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) buildBody(data []byte) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("model", c.cfg.Model); err != nil {
		return nil, "", err
	}

	contentType := writer.FormDataContentType()
	_ = writer.Close()
	return body.Bytes(), contentType, nil
}

// Disabled is the no-op transcriber used when no ASR backend is configured.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, io.Reader, string) (string, error) {
	return "", ErrDisabled
}
