// Package config provides configuration for the coordinator server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ModeMock selects in-process mocks for the agent runtime and analysis calls.
	ModeMock = "MOCK"

	AuthModeNone = "tailscale"
	AuthModeJWT  = "jwt"

	// DefaultOwner identifies requests when authentication is disabled.
	DefaultOwner = "local@tailscale"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Sessions
	AllowedDirectories     []string
	MaxConcurrentSessions  int
	InteractivePermissions bool
	PromptTimeout          time.Duration
	TranscriptsDir         string

	// Agent runtime
	Mode            string
	ClaudeBin       string
	AnthropicAPIKey string
	AnalysisModel   string

	// Auth
	AuthMode    string
	AuthSecret  string
	WSTokenTTL  time.Duration
	APITokenTTL time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	RateLimit      float64
	RateBurst      int

	// Observability
	LogLevel    string
	TraceStdout bool

	// ConfigFile is the YAML overlay in use, empty when none.
	ConfigFile string
}

// fileConfig mirrors the recognised YAML keys. Pointer fields distinguish
// "absent" from zero values.
type fileConfig struct {
	HTTPPort               *int     `yaml:"http_port"`
	DatabaseURL            *string  `yaml:"database_url"`
	AllowedDirectories     []string `yaml:"allowed_directories"`
	MaxConcurrentSessions  *int     `yaml:"max_concurrent_sessions"`
	InteractivePermissions *bool    `yaml:"interactive_permissions"`
	PromptTimeoutMs        *int     `yaml:"prompt_timeout_ms"`
	TranscriptsDir         *string  `yaml:"transcripts_dir"`
	ClaudeBin              *string  `yaml:"claude_bin"`
	AnalysisModel          *string  `yaml:"analysis_model"`
	AuthMode               *string  `yaml:"auth_mode"`
	LogLevel               *string  `yaml:"log_level"`
}

// Load loads configuration from the optional CONFIG_FILE overlay and then
// environment variables. Environment variables win over the file.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
		cfg.ConfigFile = path
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", getEnvInt("PORT", cfg.HTTPPort))
	cfg.DatabaseURL = getEnv("DATABASE_URL", getEnv("DATABASE_PATH", cfg.DatabaseURL))
	if v := os.Getenv("ALLOWED_DIRECTORIES"); v != "" {
		cfg.AllowedDirectories = splitList(v)
	}
	cfg.MaxConcurrentSessions = getEnvInt("MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	cfg.InteractivePermissions = getEnvBool("INTERACTIVE_PERMISSIONS", cfg.InteractivePermissions)
	cfg.PromptTimeout = getEnvMs("PROMPT_TIMEOUT_MS", cfg.PromptTimeout)
	cfg.TranscriptsDir = getEnv("TRANSCRIPTS_DIR", cfg.TranscriptsDir)
	cfg.Mode = getEnv("OMNI_MODE", cfg.Mode)
	cfg.ClaudeBin = getEnv("CLAUDE_BIN", cfg.ClaudeBin)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnalysisModel = getEnv("ANALYSIS_MODEL", cfg.AnalysisModel)
	cfg.AuthMode = getEnv("AUTH_MODE", cfg.AuthMode)
	cfg.AuthSecret = getEnv("AUTH_SECRET", cfg.AuthSecret)
	cfg.WSTokenTTL = getEnvMs("WS_TOKEN_TTL_MS", cfg.WSTokenTTL)
	cfg.APITokenTTL = getEnvMs("API_TOKEN_TTL_MS", cfg.APITokenTTL)
	cfg.PingInterval = getEnvMs("WS_PING_INTERVAL_MS", cfg.PingInterval)
	cfg.WriteTimeout = getEnvMs("WS_WRITE_TIMEOUT_MS", cfg.WriteTimeout)
	cfg.ReadTimeout = getEnvMs("WS_READ_TIMEOUT_MS", cfg.ReadTimeout)
	cfg.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.RateLimit = getEnvFloat("WS_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = getEnvInt("WS_RATE_BURST", cfg.RateBurst)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TraceStdout = getEnvBool("TRACE_STDOUT", cfg.TraceStdout)

	cfg.AllowedDirectories = ResolveDirectories(cfg.AllowedDirectories)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		HTTPPort:               3000,
		DatabaseURL:            "./data/omni-bot.db",
		AllowedDirectories:     []string{"/tmp"},
		MaxConcurrentSessions:  5,
		InteractivePermissions: true,
		PromptTimeout:          10 * time.Minute,
		TranscriptsDir:         filepath.Join(home, ".claude", "projects"),
		ClaudeBin:              "claude",
		AnalysisModel:          "claude-3-5-haiku-latest",
		AuthMode:               AuthModeNone,
		WSTokenTTL:             5 * time.Minute,
		APITokenTTL:            30 * 24 * time.Hour,
		PingInterval:           30 * time.Second,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            60 * time.Second,
		MaxMessageSize:         1 << 20,
		RateLimit:              20,
		RateBurst:              40,
		LogLevel:               "info",
	}
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions))
	}
	if len(c.AllowedDirectories) == 0 {
		errs = append(errs, errors.New("ALLOWED_DIRECTORIES must list at least one directory"))
	}
	if c.PromptTimeout <= 0 {
		errs = append(errs, errors.New("PROMPT_TIMEOUT_MS must be positive"))
	}
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeJWT:
		if len(c.AuthSecret) < 16 {
			errs = append(errs, errors.New("AUTH_SECRET of at least 16 bytes is required when AUTH_MODE=jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}
	return errors.Join(errs...)
}

// MockMode reports whether in-process mocks should replace external calls.
func (c *Config) MockMode() bool { return c.Mode == ModeMock }

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	if fc.HTTPPort != nil {
		cfg.HTTPPort = *fc.HTTPPort
	}
	if fc.DatabaseURL != nil {
		cfg.DatabaseURL = *fc.DatabaseURL
	}
	if len(fc.AllowedDirectories) > 0 {
		cfg.AllowedDirectories = fc.AllowedDirectories
	}
	if fc.MaxConcurrentSessions != nil {
		cfg.MaxConcurrentSessions = *fc.MaxConcurrentSessions
	}
	if fc.InteractivePermissions != nil {
		cfg.InteractivePermissions = *fc.InteractivePermissions
	}
	if fc.PromptTimeoutMs != nil {
		cfg.PromptTimeout = time.Duration(*fc.PromptTimeoutMs) * time.Millisecond
	}
	if fc.TranscriptsDir != nil {
		cfg.TranscriptsDir = *fc.TranscriptsDir
	}
	if fc.ClaudeBin != nil {
		cfg.ClaudeBin = *fc.ClaudeBin
	}
	if fc.AnalysisModel != nil {
		cfg.AnalysisModel = *fc.AnalysisModel
	}
	if fc.AuthMode != nil {
		cfg.AuthMode = *fc.AuthMode
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
}

// ResolveDirectories makes every entry absolute and clean, dropping blanks.
func ResolveDirectories(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		out = append(out, filepath.Clean(d))
	}
	return out
}

func splitList(v string) []string {
	return strings.Split(v, ",")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
