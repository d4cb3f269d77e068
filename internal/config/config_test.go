package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "showline", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Twilio: TwilioConfig{
			AccountSID:  "AC123",
			AuthToken:   "token",
			APIKey:      "SK456",
			APISecret:   "secret",
			TwimlAppSID: "AP789",
			SIPHostUser: "host",
			SIPDomain:   "showline.sip.twilio.com",
		},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ProductionRejectsUnsignedWebhooks(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Twilio.AllowUnsignedWebhooks = true
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for unsigned webhooks in production")
	}
	if !strings.Contains(err.Error(), "TWILIO_ALLOW_UNSIGNED_WEBHOOKS") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ASRModelRequiredWithBaseURL(t *testing.T) {
	c := validConfig()
	c.ASR.BaseURL = "https://asr.internal"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for ASR base URL without model")
	}
	c.ASR.Model = "whisper-1"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	c := validConfig()
	dsn := c.PostgresDSN()
	for _, want := range []string{"host=localhost", "dbname=showline", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %q in dsn: %s", want, dsn)
		}
	}
}
