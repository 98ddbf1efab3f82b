package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bdobrica/Kotori/common/environment"
)

// Config is the process configuration read from the environment at start.
// Knobs that may change while running live in the runtime Store instead.
type Config struct {
	Log       LogConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gate      GateConfig
	Parser    ParserConfig
	Inference InferenceConfig
	Approvals ApprovalsConfig
	Reminders RemindersConfig
	Matrix    MatrixConfig

	// Timezone is the default IANA zone for relative dates (KOTORI_TIMEZONE).
	Timezone string
	// HomeLocation is used for weather and transit when the user names no
	// place (KOTORI_HOME_LOCATION).
	HomeLocation string
}

type LogConfig struct {
	Level  string // LOG_LEVEL: debug, info, warn, error
	Format string // LOG_FORMAT: text or json
}

type HTTPConfig struct {
	Addr string // KOTORI_HTTP_ADDR
	// JWTSecret signs chat API bearer tokens (KOTORI_JWT_SECRET). Empty
	// enables the X-User-ID development header instead.
	JWTSecret string
	// TrustProxy takes the client address from X-Forwarded-For
	// (KOTORI_TRUST_PROXY).
	TrustProxy bool
	// RateLimit is the sustained requests per second per client address
	// (KOTORI_HTTP_RATE_LIMIT), RateBurst the bucket size.
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Dialect      string // KOTORI_DB_DIALECT: sqlite or postgres
	DSN          string // KOTORI_DB_DSN: file path or postgres URL
	MaxOpenConns int
}

// RedisConfig selects the shared threat store. An empty Addr keeps threat
// state in the SQL database.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type GateConfig struct {
	Sensitivity    string
	Window         time.Duration
	ScoreThreshold float64
	Cooldown       time.Duration
	// SignaturesFile replaces the built-in signature set (KOTORI_SIGNATURES_FILE).
	SignaturesFile string
	SweepInterval  time.Duration
}

type ParserConfig struct {
	Timeout       time.Duration // KOTORI_PARSER_TIMEOUT
	MinConfidence float64       // KOTORI_PARSER_MIN_CONFIDENCE
	PromptFile    string        // KOTORI_PARSER_PROMPT_FILE
}

type InferenceConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Per-user call limit and daily token budget. Zero disables each.
	RateLimit        int
	RateWindow       time.Duration
	DailyTokenBudget int
}

type ApprovalsConfig struct {
	TTL           time.Duration // KOTORI_APPROVAL_TTL
	Approvers     []string      // KOTORI_APPROVERS
	SweepInterval time.Duration
}

type RemindersConfig struct {
	PollInterval time.Duration
}

// MatrixConfig enables the Matrix channel when Homeserver is set.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the bot answers in. Empty answers in every joined room.
	Rooms []string
	// NotifyRoom receives operator notices (blocks, approvals, audit
	// failures).
	NotifyRoom string
}

// Enabled reports whether the Matrix channel is configured.
func (m MatrixConfig) Enabled() bool { return m.Homeserver != "" }

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:  environment.StringOr("LOG_LEVEL", "info"),
			Format: environment.StringOr("LOG_FORMAT", "text"),
		},
		HTTP: HTTPConfig{
			Addr:            environment.StringOr("KOTORI_HTTP_ADDR", ":8080"),
			JWTSecret:       os.Getenv("KOTORI_JWT_SECRET"),
			TrustProxy:      environment.BoolOr("KOTORI_TRUST_PROXY", false),
			RateLimit:       environment.Float64Or("KOTORI_HTTP_RATE_LIMIT", 5),
			RateBurst:       environment.IntOr("KOTORI_HTTP_RATE_BURST", 10),
			ShutdownTimeout: environment.DurationOr("KOTORI_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Dialect:      environment.StringOr("KOTORI_DB_DIALECT", "sqlite"),
			DSN:          environment.StringOr("KOTORI_DB_DSN", "./kotori.db"),
			MaxOpenConns: environment.IntOr("KOTORI_DB_MAX_OPEN_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("KOTORI_REDIS_ADDR"),
			Password: os.Getenv("KOTORI_REDIS_PASSWORD"),
			DB:       environment.IntOr("KOTORI_REDIS_DB", 0),
			Prefix:   environment.StringOr("KOTORI_REDIS_PREFIX", "kotori:"),
		},
		Gate: GateConfig{
			Sensitivity:    environment.StringOr("KOTORI_GATE_SENSITIVITY", "medium"),
			Window:         environment.DurationOr("KOTORI_GATE_WINDOW", time.Hour),
			ScoreThreshold: environment.Float64Or("KOTORI_GATE_SCORE_THRESHOLD", 9),
			Cooldown:       environment.DurationOr("KOTORI_GATE_COOLDOWN", 24*time.Hour),
			SignaturesFile: os.Getenv("KOTORI_SIGNATURES_FILE"),
			SweepInterval:  environment.DurationOr("KOTORI_GATE_SWEEP_INTERVAL", time.Hour),
		},
		Parser: ParserConfig{
			Timeout:       environment.DurationOr("KOTORI_PARSER_TIMEOUT", 10*time.Second),
			MinConfidence: environment.Float64Or("KOTORI_PARSER_MIN_CONFIDENCE", 0.5),
			PromptFile:    os.Getenv("KOTORI_PARSER_PROMPT_FILE"),
		},
		Inference: InferenceConfig{
			BaseURL:          os.Getenv("KOTORI_INFERENCE_URL"),
			APIKey:           os.Getenv("KOTORI_INFERENCE_API_KEY"),
			Model:            environment.StringOr("KOTORI_INFERENCE_MODEL", "gpt-4o-mini"),
			Timeout:          environment.DurationOr("KOTORI_INFERENCE_TIMEOUT", 30*time.Second),
			BreakerThreshold: environment.IntOr("KOTORI_INFERENCE_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  environment.DurationOr("KOTORI_INFERENCE_BREAKER_COOLDOWN", 30*time.Second),
			RateLimit:        environment.IntOr("KOTORI_INFERENCE_RATE_LIMIT", 30),
			RateWindow:       environment.DurationOr("KOTORI_INFERENCE_RATE_WINDOW", time.Minute),
			DailyTokenBudget: environment.IntOr("KOTORI_INFERENCE_DAILY_TOKENS", 0),
		},
		Approvals: ApprovalsConfig{
			TTL:           environment.DurationOr("KOTORI_APPROVAL_TTL", 30*time.Minute),
			Approvers:     environment.StringSliceOr("KOTORI_APPROVERS", nil),
			SweepInterval: environment.DurationOr("KOTORI_APPROVAL_SWEEP_INTERVAL", 30*time.Second),
		},
		Reminders: RemindersConfig{
			PollInterval: environment.DurationOr("KOTORI_REMINDER_POLL_INTERVAL", 30*time.Second),
		},
		Matrix: MatrixConfig{
			Homeserver:  os.Getenv("MATRIX_HOMESERVER"),
			UserID:      os.Getenv("MATRIX_USER_ID"),
			AccessToken: os.Getenv("MATRIX_ACCESS_TOKEN"),
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
			NotifyRoom:  os.Getenv("MATRIX_NOTIFY_ROOM"),
		},
		Timezone:     environment.StringOr("KOTORI_TIMEZONE", "Europe/Berlin"),
		HomeLocation: environment.StringOr("KOTORI_HOME_LOCATION", "Berlin"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("KOTORI_DB_DIALECT: %q is not sqlite or postgres", c.Database.Dialect))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("KOTORI_DB_DSN: required"))
	}
	switch c.Gate.Sensitivity {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("KOTORI_GATE_SENSITIVITY: %q is not low, medium or high", c.Gate.Sensitivity))
	}
	if c.Parser.MinConfidence < 0 || c.Parser.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("KOTORI_PARSER_MIN_CONFIDENCE: %v is outside [0, 1]", c.Parser.MinConfidence))
	}
	if c.Approvals.TTL <= 0 {
		errs = append(errs, errors.New("KOTORI_APPROVAL_TTL: must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("KOTORI_TIMEZONE: %w", err))
	}
	if c.Matrix.Enabled() && (c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("MATRIX_USER_ID and MATRIX_ACCESS_TOKEN are required with MATRIX_HOMESERVER"))
	}
	return errors.Join(errs...)
}

// Location returns the configured default timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
