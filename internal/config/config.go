package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Twilio TwilioConfig
	ASR    ASRConfig
	Verify VerifyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	APIKey      string
	APISecret   string
	TwimlAppSID string

	// Dialed legs bridge to sip:{SIPHostUser}@{SIPDomain}, the show host's
	// registered softphone.
	SIPHostUser string
	SIPDomain   string
	CallerID    string

	// AllowUnsignedWebhooks disables X-Twilio-Signature validation.
	// Local development only; Validate rejects it in production.
	AllowUnsignedWebhooks bool
}

type ASRConfig struct {
	// BaseURL of an OpenAI-compatible transcription endpoint. Empty
	// disables the fallback transcriber.
	BaseURL string
	Model   string
	Timeout time.Duration

	RetryMaxAttempts uint
	RetryMinBackoff  time.Duration
	RetryMaxBackoff  time.Duration

	BreakerInterval            time.Duration
	BreakerConsecutiveFailures uint32
}

type VerifyConfig struct {
	// NumWords is how many challenge words each assignment gets;
	// NumTries bounds speech attempts before the call hangs up.
	// Zero means package defaults.
	NumWords int
	NumTries int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && c.App.Env != "production" {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIKey = strings.TrimSpace(os.Getenv("TWILIO_API_KEY"))
	c.Twilio.APISecret = os.Getenv("TWILIO_API_SECRET")
	c.Twilio.TwimlAppSID = strings.TrimSpace(os.Getenv("TWILIO_TWIML_APP_SID"))
	c.Twilio.SIPHostUser = strings.TrimSpace(os.Getenv("TWILIO_SIP_HOST_USER"))
	c.Twilio.SIPDomain = strings.TrimSpace(os.Getenv("TWILIO_SIP_DOMAIN"))
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))
	c.Twilio.AllowUnsignedWebhooks = boolEnv("TWILIO_ALLOW_UNSIGNED_WEBHOOKS")

	c.ASR.BaseURL = strings.TrimSpace(os.Getenv("ASR_BASE_URL"))
	c.ASR.Model = strings.TrimSpace(os.Getenv("ASR_MODEL"))
	c.ASR.Timeout = durationEnv("ASR_TIMEOUT", 15*time.Second)
	c.ASR.RetryMaxAttempts = uintEnv("ASR_RETRY_MAX_ATTEMPTS", 3)
	c.ASR.RetryMinBackoff = durationEnv("ASR_RETRY_MIN_BACKOFF", time.Second)
	c.ASR.RetryMaxBackoff = durationEnv("ASR_RETRY_MAX_BACKOFF", 10*time.Second)
	c.ASR.BreakerInterval = durationEnv("ASR_BREAKER_INTERVAL", time.Minute)
	c.ASR.BreakerConsecutiveFailures = uint32(uintEnv("ASR_BREAKER_FAILURES", 5))

	c.Verify.NumWords = int(uintEnv("NUM_VERIFY_WORDS", 0))
	c.Verify.NumTries = int(uintEnv("NUM_VERIFY_TRIES", 0))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.APIKey == "" {
		errs = append(errs, errors.New("TWILIO_API_KEY is required"))
	}
	if c.Twilio.APISecret == "" {
		errs = append(errs, errors.New("TWILIO_API_SECRET is required"))
	}
	if c.Twilio.TwimlAppSID == "" {
		errs = append(errs, errors.New("TWILIO_TWIML_APP_SID is required"))
	}
	if c.Twilio.SIPHostUser == "" {
		errs = append(errs, errors.New("TWILIO_SIP_HOST_USER is required"))
	}
	if c.Twilio.SIPDomain == "" {
		errs = append(errs, errors.New("TWILIO_SIP_DOMAIN is required"))
	}
	if c.Twilio.AllowUnsignedWebhooks && c.IsProduction() {
		errs = append(errs, errors.New("TWILIO_ALLOW_UNSIGNED_WEBHOOKS must be off in production"))
	}

	if c.ASR.BaseURL != "" && c.ASR.Model == "" {
		errs = append(errs, errors.New("ASR_MODEL is required when ASR_BASE_URL is set"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func uintEnv(key string, fallback uint) uint {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fallback
	}
	return uint(n)
}

func boolEnv(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
