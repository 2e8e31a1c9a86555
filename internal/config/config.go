package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the tunables for the terminal server. Durations are parsed
// from Go duration strings ("30m", "800ms") in YAML and environment.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Dev        bool   `yaml:"dev"`
	LogLevel   string `yaml:"log_level"`

	TmuxBinary     string        `yaml:"tmux_binary"`
	SessionPrefix  string        `yaml:"session_prefix"`
	BaseSession    string        `yaml:"base_session"`
	WorkerLimit    int           `yaml:"worker_limit"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	MaxSessions     int           `yaml:"max_sessions"`
	BufferCap       int           `yaml:"buffer_cap"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleThreshold   time.Duration `yaml:"idle_threshold"`
	StartupTimeout  time.Duration `yaml:"startup_timeout"`

	SettleDelay time.Duration `yaml:"settle_delay"`
	StepDelay   time.Duration `yaml:"step_delay"`

	DefaultCols uint16            `yaml:"default_cols"`
	DefaultRows uint16            `yaml:"default_rows"`
	Env         map[string]string `yaml:"env"`

	WatchFiles bool `yaml:"watch_files"`
	// AuthSecret enables bearer-token auth on the API when set
	AuthSecret string `yaml:"auth_secret"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:6369",
		LogLevel:        "info",
		TmuxBinary:      "tmux",
		SessionPrefix:   "catterm",
		BaseSession:     "catterm-base",
		WorkerLimit:     8,
		CommandTimeout:  5 * time.Second,
		MaxSessions:     10,
		BufferCap:       10000,
		CleanupInterval: 5 * time.Minute,
		IdleThreshold:   30 * time.Minute,
		StartupTimeout:  10 * time.Second,
		SettleDelay:     800 * time.Millisecond,
		StepDelay:       50 * time.Millisecond,
		DefaultCols:     80,
		DefaultRows:     24,
		Env: map[string]string{
			"TERM":      "xterm-256color",
			"COLORTERM": "truecolor",
		},
		WatchFiles: true,
	}
}

// Load reads the YAML file at path (missing file is not an error), applies
// CATTERM_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("CATTERM_LISTEN_ADDR", &c.ListenAddr)
	str("CATTERM_LOG_LEVEL", &c.LogLevel)
	str("CATTERM_TMUX_BINARY", &c.TmuxBinary)
	str("CATTERM_SESSION_PREFIX", &c.SessionPrefix)
	str("CATTERM_BASE_SESSION", &c.BaseSession)
	str("CATTERM_AUTH_SECRET", &c.AuthSecret)
	if v, ok := lookup("CATTERM_WATCH_FILES"); ok && v != "" {
		c.WatchFiles = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookup("CATTERM_DEV"); ok {
		c.Dev = strings.EqualFold(v, "true") || v == "1"
	}

	for key, dst := range map[string]*int{
		"CATTERM_WORKER_LIMIT": &c.WorkerLimit,
		"CATTERM_MAX_SESSIONS": &c.MaxSessions,
		"CATTERM_BUFFER_CAP":   &c.BufferCap,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"CATTERM_COMMAND_TIMEOUT":  &c.CommandTimeout,
		"CATTERM_CLEANUP_INTERVAL": &c.CleanupInterval,
		"CATTERM_IDLE_THRESHOLD":   &c.IdleThreshold,
		"CATTERM_STARTUP_TIMEOUT":  &c.StartupTimeout,
		"CATTERM_SETTLE_DELAY":     &c.SettleDelay,
		"CATTERM_STEP_DELAY":       &c.StepDelay,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	if c.TmuxBinary == "" {
		problems = append(problems, "tmux_binary is required")
	}
	if c.SessionPrefix == "" || strings.ContainsAny(c.SessionPrefix, "-:. ") {
		problems = append(problems, "session_prefix must be non-empty and contain no '-', ':', '.' or spaces")
	}
	if c.MaxSessions <= 0 {
		problems = append(problems, "max_sessions must be positive")
	}
	if c.BufferCap <= 0 {
		problems = append(problems, "buffer_cap must be positive")
	}
	if c.WorkerLimit <= 0 {
		problems = append(problems, "worker_limit must be positive")
	}
	if c.CleanupInterval <= 0 || c.IdleThreshold <= 0 || c.StartupTimeout <= 0 {
		problems = append(problems, "cleanup_interval, idle_threshold and startup_timeout must be positive")
	}
	if c.SettleDelay < 0 || c.StepDelay < 0 || c.CommandTimeout < 0 {
		problems = append(problems, "delays and timeouts cannot be negative")
	}
	if c.DefaultCols == 0 || c.DefaultRows == 0 {
		problems = append(problems, "default_cols and default_rows must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Environ flattens Env into KEY=VALUE pairs for exec.Cmd
func (c *Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}
