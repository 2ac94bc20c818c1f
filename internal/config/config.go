package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment; a .env file in the working directory is
// loaded first when present. No business logic reads raw env vars.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	SMTP      SMTPConfig
	Gemini    GeminiConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Sweeper   SweeperConfig
	Messaging MessagingConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used for provider
	// callbacks and webhook signature checks, e.g. https://comms.example.com.
	PublicBaseURL string

	// Store selects the ledger backend: postgres or memory (non-production only).
	Store string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string

	// ValidateSignatures enables X-Twilio-Signature checks on webhooks.
	ValidateSignatures bool
	RequestTimeout     time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type GeminiConfig struct {
	APIKey             string
	TranscriptionModel string
	AnalysisModel      string
	StageTimeout       time.Duration
}

type QueueConfig struct {
	// Backend is asynq (Redis) or local (in-process, dev/tests).
	Backend     string
	Name        string
	Concurrency int
}

type SchedulerConfig struct {
	Interval time.Duration
	PageSize int
}

type SweeperConfig struct {
	Interval        time.Duration
	StaleAfter      time.Duration
	BatchSize       int
	MaxAttempts     int
	KickMinInterval time.Duration
}

type MessagingConfig struct {
	DefaultRegion string
	SMSPerSecond  float64
	SMSBurst      int
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	QueueAsynq = "asynq"
	QueueLocal = "local"
)

func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error
	intVar := func(dst *int, key string, required bool) {
		n, err := envInt(key, required)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string) {
		d, err := envDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}

	c.App.Env = env("APP_ENV")
	intVar(&c.App.Port, "APP_PORT", true)
	c.App.PublicBaseURL = strings.TrimRight(env("PUBLIC_BASE_URL"), "/")
	c.App.Store = strings.ToLower(env("STORE"))

	c.DB.Host = env("DB_HOST")
	intVar(&c.DB.Port, "DB_PORT", false)
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")

	c.Redis.Host = env("REDIS_HOST")
	intVar(&c.Redis.Port, "REDIS_PORT", false)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")
	durVar(&c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL")

	c.Twilio.AccountSID = env("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimRight(env("TWILIO_API_BASE_URL"), "/")
	c.Twilio.ValidateSignatures = envBool("TWILIO_VALIDATE_SIGNATURES", true)
	durVar(&c.Twilio.RequestTimeout, "TWILIO_REQUEST_TIMEOUT")

	c.SMTP.Host = env("SMTP_HOST")
	intVar(&c.SMTP.Port, "SMTP_PORT", false)
	c.SMTP.Username = env("SMTP_USERNAME")
	c.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	c.SMTP.From = env("SMTP_FROM")
	c.SMTP.FromName = env("SMTP_FROM_NAME")

	c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	c.Gemini.TranscriptionModel = env("GEMINI_TRANSCRIPTION_MODEL")
	c.Gemini.AnalysisModel = env("GEMINI_ANALYSIS_MODEL")
	durVar(&c.Gemini.StageTimeout, "PIPELINE_STAGE_TIMEOUT")

	c.Queue.Backend = strings.ToLower(env("QUEUE_BACKEND"))
	c.Queue.Name = env("ASYNQ_QUEUE")
	intVar(&c.Queue.Concurrency, "ASYNQ_CONCURRENCY", false)

	durVar(&c.Scheduler.Interval, "SCHEDULER_INTERVAL")
	intVar(&c.Scheduler.PageSize, "SCHEDULER_PAGE_SIZE", false)

	durVar(&c.Sweeper.Interval, "SWEEPER_INTERVAL")
	durVar(&c.Sweeper.StaleAfter, "SWEEPER_STALE_AFTER")
	intVar(&c.Sweeper.BatchSize, "SWEEPER_BATCH_SIZE", false)
	intVar(&c.Sweeper.MaxAttempts, "SWEEPER_MAX_ATTEMPTS", false)
	durVar(&c.Sweeper.KickMinInterval, "SWEEPER_KICK_MIN_INTERVAL")

	c.Messaging.DefaultRegion = env("PHONE_DEFAULT_REGION")
	if v := env("SMS_RATE_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("SMS_RATE_PER_SECOND must be a number, got %q", v))
		}
		c.Messaging.SMSPerSecond = f
	}
	intVar(&c.Messaging.SMSBurst, "SMS_BURST", false)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults for optional settings and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL != "" {
		if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	if c.App.Store == "" {
		c.App.Store = StorePostgres
	}
	switch c.App.Store {
	case StorePostgres:
		errs = append(errs, c.validateDB()...)
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be one of postgres, memory, got %q", c.App.Store))
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueAsynq
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "pipeline"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 4
	}
	switch c.Queue.Backend {
	case QueueAsynq:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when QUEUE_BACKEND=asynq"))
		}
	case QueueLocal:
		if c.IsProduction() {
			errs = append(errs, errors.New("QUEUE_BACKEND=local is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be one of asynq, local, got %q", c.Queue.Backend))
	}
	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}
	if c.Twilio.RequestTimeout <= 0 {
		c.Twilio.RequestTimeout = 15 * time.Second
	}
	if c.IsProduction() && !c.Twilio.ValidateSignatures {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES cannot be disabled in production"))
	}

	if c.SMTP.Enabled() {
		if c.SMTP.Port == 0 {
			c.SMTP.Port = 587
		}
		if c.SMTP.From == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
		} else if addr, err := mail.ParseAddress(c.SMTP.From); err != nil || addr.Name != "" {
			errs = append(errs, fmt.Errorf("SMTP_FROM must be a bare email address, got %q", c.SMTP.From))
		}
	}

	if c.Gemini.TranscriptionModel == "" {
		c.Gemini.TranscriptionModel = "gemini-2.5-flash"
	}
	if c.Gemini.AnalysisModel == "" {
		c.Gemini.AnalysisModel = "gemini-2.5-flash"
	}
	if c.Gemini.StageTimeout <= 0 {
		c.Gemini.StageTimeout = 2 * time.Minute
	}

	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.PageSize <= 0 {
		c.Scheduler.PageSize = 50
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = time.Minute
	}
	if c.Sweeper.StaleAfter <= 0 {
		c.Sweeper.StaleAfter = 5 * time.Minute
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 10
	}
	if c.Sweeper.MaxAttempts <= 0 {
		c.Sweeper.MaxAttempts = 1
	}
	if c.Sweeper.KickMinInterval <= 0 {
		c.Sweeper.KickMinInterval = 15 * time.Second
	}

	if c.Messaging.DefaultRegion == "" {
		c.Messaging.DefaultRegion = "US"
	}
	if c.Messaging.SMSPerSecond < 0 {
		errs = append(errs, fmt.Errorf("SMS_RATE_PER_SECOND must be >= 0, got %v", c.Messaging.SMSPerSecond))
	}
	if c.Messaging.SMSPerSecond == 0 {
		c.Messaging.SMSPerSecond = 1
	}
	if c.Messaging.SMSBurst <= 0 {
		c.Messaging.SMSBurst = 1
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
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

// CallbackURL joins a webhook path onto the public base URL.
func (c Config) CallbackURL(path string) string {
	if c.App.PublicBaseURL == "" {
		return ""
	}
	return c.App.PublicBaseURL + "/" + strings.TrimLeft(path, "/")
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, required bool) (int, error) {
	v := env(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%s is required", key)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) bool {
	v := env(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
