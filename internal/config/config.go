// Package config loads the agent's settings from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Environment string `yaml:"app_env"`
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	BankName    string `yaml:"bank_name"`

	DatabaseURL    string        `yaml:"database_url"`
	StoreDriver    string        `yaml:"store_driver"`
	SQLitePath     string        `yaml:"sqlite_path"`
	RedisAddr      string        `yaml:"redis_addr"`
	SessionBackend string        `yaml:"session_backend"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	MaxIterations int           `yaml:"max_iterations"`
	HistoryWindow int           `yaml:"history_window"`
	LLMProvider   string        `yaml:"llm_provider"`
	LLMAPIKey     string        `yaml:"llm_api_key"`
	LLMModel      string        `yaml:"llm_model"`
	LLMBaseURL    string        `yaml:"llm_base_url"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`

	JWTSecret       string `yaml:"jwt_secret"`
	JWTIssuer       string `yaml:"jwt_issuer"`
	CustomLLMSecret string `yaml:"custom_llm_secret"`

	VerifierURL     string        `yaml:"verifier_url"`
	VerifierTimeout time.Duration `yaml:"verifier_timeout"`
	KMSMasterKey    string        `yaml:"kms_master_key"`
	KMSKeyID        string        `yaml:"kms_key_id"`
	AuditLogPath    string        `yaml:"audit_log_path"`

	MaxBodyBytes      int64    `yaml:"api_max_body_bytes"`
	IPAllowlist       []string `yaml:"api_ip_allowlist"`
	RateLimitCapacity int      `yaml:"api_rate_limit_capacity"`
	RateLimitRefill   float64  `yaml:"api_rate_limit_refill_per_sec"`
	TLSCert           string   `yaml:"api_tls_cert"`
	TLSKey            string   `yaml:"api_tls_key"`
	TLSCA             string   `yaml:"api_tls_ca"`
}

// Defaults returns the settings used for anything left unset.
func Defaults() *Config {
	return &Config{
		Environment:     "development",
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		BankName:        "TunjiaX",
		StoreDriver:     "memory",
		SQLitePath:      "file:tunjiax.db?_foreign_keys=on",
		SessionBackend:  "memory",
		SessionTimeout:  5 * time.Minute,
		SweepInterval:   time.Minute,
		MaxIterations:   6,
		HistoryWindow:   40,
		LLMProvider:     "openai",
		LLMTimeout:      30 * time.Second,
		JWTIssuer:       "tunjiax-agent",
		VerifierTimeout: 10 * time.Second,
		KMSKeyID:        "local-1",
		MaxBodyBytes:    8 << 20,
		RateLimitRefill: 1,
	}
}

// Load reads CONFIG_FILE when set, then the environment, and validates the
// result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFromEnv ignores CONFIG_FILE and reads the environment only.
func LoadFromEnv() (*Config, error) {
	return LoadFrom(func(key string) (string, bool) {
		if key == "CONFIG_FILE" {
			return "", false
		}
		return os.LookupEnv(key)
	})
}

// LoadFrom is Load with an injectable environment.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	bad    []string
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.bad = append(e.bad, key)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.bad = append(e.bad, key)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.bad = append(e.bad, key)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.bad = append(e.bad, key)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok && v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := &envReader{lookup: lookup}

	e.str("APP_ENV", &c.Environment)
	e.str("HTTP_ADDR", &c.HTTPAddr)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("BANK_NAME", &c.BankName)

	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("STORE_DRIVER", &c.StoreDriver)
	e.str("SQLITE_PATH", &c.SQLitePath)
	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("SESSION_BACKEND", &c.SessionBackend)
	e.duration("SESSION_TIMEOUT", &c.SessionTimeout)
	e.duration("SWEEP_INTERVAL", &c.SweepInterval)

	e.integer("MAX_ITERATIONS", &c.MaxIterations)
	e.integer("HISTORY_WINDOW", &c.HistoryWindow)
	e.str("LLM_PROVIDER", &c.LLMProvider)
	e.str("LLM_API_KEY", &c.LLMAPIKey)
	e.str("LLM_MODEL", &c.LLMModel)
	e.str("LLM_BASE_URL", &c.LLMBaseURL)
	e.duration("LLM_TIMEOUT", &c.LLMTimeout)

	e.str("JWT_SECRET", &c.JWTSecret)
	e.str("JWT_ISSUER", &c.JWTIssuer)
	e.str("CUSTOM_LLM_SECRET", &c.CustomLLMSecret)

	e.str("VERIFIER_URL", &c.VerifierURL)
	e.duration("VERIFIER_TIMEOUT", &c.VerifierTimeout)
	e.str("KMS_MASTER_KEY", &c.KMSMasterKey)
	e.str("KMS_KEY_ID", &c.KMSKeyID)
	e.str("AUDIT_LOG_PATH", &c.AuditLogPath)

	e.int64("API_MAX_BODY_BYTES", &c.MaxBodyBytes)
	e.list("API_IP_ALLOWLIST", &c.IPAllowlist)
	e.integer("API_RATE_LIMIT_CAPACITY", &c.RateLimitCapacity)
	e.float("API_RATE_LIMIT_REFILL_PER_SEC", &c.RateLimitRefill)
	e.str("API_TLS_CERT", &c.TLSCert)
	e.str("API_TLS_KEY", &c.TLSKey)
	e.str("API_TLS_CA", &c.TLSCA)

	if len(e.bad) > 0 {
		return errors.New("invalid environment variables: " + strings.Join(e.bad, ", "))
	}
	return nil
}

// IsProduction reports whether the stricter production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var problems []string

	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		problems = append(problems, "STORE_DRIVER must be postgres or memory")
	}

	switch c.SessionBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required when SESSION_BACKEND=redis")
		}
	default:
		problems = append(problems, "SESSION_BACKEND must be memory or redis")
	}

	if c.LLMProvider != "openai" && c.LLMProvider != "anthropic" {
		problems = append(problems, "LLM_PROVIDER must be openai or anthropic")
	}
	if c.SessionTimeout <= 0 || c.SweepInterval <= 0 {
		problems = append(problems, "SESSION_TIMEOUT and SWEEP_INTERVAL must be positive")
	}
	if c.MaxIterations < 1 {
		problems = append(problems, "MAX_ITERATIONS must be at least 1")
	}
	if c.HistoryWindow < 2 {
		problems = append(problems, "HISTORY_WINDOW must be at least 2")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, "API_TLS_CERT and API_TLS_KEY must be set together")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}

	if c.IsProduction() {
		var missing []string
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
		if c.LLMAPIKey == "" {
			missing = append(missing, "LLM_API_KEY")
		}
		if c.KMSMasterKey == "" {
			missing = append(missing, "KMS_MASTER_KEY")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}

		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 bytes in " + c.Environment)
		}
		if c.StoreDriver != "postgres" {
			return errors.New("STORE_DRIVER must be postgres in " + c.Environment)
		}
	}

	return nil
}
