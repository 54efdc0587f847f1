// Package config loads layered daemon configuration: a JSON file at a
// well-known path, overridden by environment variables. Tokens come from the
// environment only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	// General
	Environment string `json:"environment" envconfig:"BOTFLEET_ENVIRONMENT" default:"production"`
	LogLevel    string `json:"log_level" envconfig:"BOTFLEET_LOG_LEVEL" default:"info"`

	// Loopback-only metrics listener; empty disables it.
	MetricsAddr string `json:"metrics_addr" envconfig:"BOTFLEET_METRICS_ADDR" default:"127.0.0.1:0"`

	// Tokens (environment only, never written to the JSON file)
	SlackToken    string `json:"-" envconfig:"BOTFLEET_SLACK_TOKEN"`
	CalendarToken string `json:"-" envconfig:"BOTFLEET_CALENDAR_TOKEN"`

	// Listener
	WatchedChannels   []string      `json:"watched_channels" envconfig:"BOTFLEET_WATCHED_CHANNELS"`
	PollInterval      time.Duration `json:"poll_interval" envconfig:"BOTFLEET_POLL_INTERVAL" default:"10s"`
	Keywords          []string      `json:"keywords" envconfig:"BOTFLEET_KEYWORDS"`
	MaxPerTick        int           `json:"max_per_tick" envconfig:"BOTFLEET_MAX_PER_TICK" default:"50"`
	MaxConsecutiveErr int           `json:"max_consecutive_errors" envconfig:"BOTFLEET_MAX_CONSECUTIVE_ERRORS" default:"10"`

	// Classification lists
	SafeUsers        []string `json:"safe_users" envconfig:"BOTFLEET_SAFE_USERS"`
	ConcernedUsers   []string `json:"concerned_users" envconfig:"BOTFLEET_CONCERNED_USERS"`
	SafeEmailDomains []string `json:"safe_email_domains" envconfig:"BOTFLEET_SAFE_EMAIL_DOMAINS"`

	// Channel permissions
	AutoReplyChannels []string `json:"auto_reply_channels" envconfig:"BOTFLEET_AUTO_REPLY_CHANNELS"`
	DeniedChannels    []string `json:"denied_channels" envconfig:"BOTFLEET_DENIED_CHANNELS"`

	// Approval queue
	MaxPending     int `json:"max_pending" envconfig:"BOTFLEET_MAX_PENDING" default:"100"`
	HistoryLimit   int `json:"history_limit" envconfig:"BOTFLEET_HISTORY_LIMIT" default:"1000"`

	// Background sync
	SyncInterval         time.Duration `json:"sync_interval" envconfig:"BOTFLEET_SYNC_INTERVAL" default:"24h"`
	SyncMinDelay         time.Duration `json:"sync_min_delay" envconfig:"BOTFLEET_SYNC_MIN_DELAY" default:"1s"`
	SyncMaxDelay         time.Duration `json:"sync_max_delay" envconfig:"BOTFLEET_SYNC_MAX_DELAY" default:"3s"`
	SyncRateLimitBackoff time.Duration `json:"sync_rate_limit_backoff" envconfig:"BOTFLEET_SYNC_RATE_LIMIT_BACKOFF" default:"60s"`
	MaxMembersPerChannel int           `json:"max_members_per_channel" envconfig:"BOTFLEET_MAX_MEMBERS_PER_CHANNEL" default:"200"`
	SkipDMs              bool          `json:"skip_dms" envconfig:"BOTFLEET_SKIP_DMS" default:"true"`

	// Collaborators
	CalendarBaseURL  string `json:"calendar_base_url" envconfig:"BOTFLEET_CALENDAR_BASE_URL"`
	MeetHelper       string `json:"meet_helper" envconfig:"BOTFLEET_MEET_HELPER"`
	ResponderEnabled bool   `json:"responder_enabled" envconfig:"BOTFLEET_RESPONDER_ENABLED"`

	// Meeting scheduler
	CalendarPollInterval time.Duration `json:"calendar_poll_interval" envconfig:"BOTFLEET_CALENDAR_POLL_INTERVAL" default:"60s"`
	LookAhead            time.Duration `json:"look_ahead" envconfig:"BOTFLEET_LOOK_AHEAD" default:"24h"`
	PreRoll              time.Duration `json:"pre_roll" envconfig:"BOTFLEET_PRE_ROLL" default:"30s"`
	Grace                time.Duration `json:"grace" envconfig:"BOTFLEET_GRACE" default:"5m"`
	MaxParallelMeetings  int           `json:"max_parallel_meetings" envconfig:"BOTFLEET_MAX_PARALLEL_MEETINGS" default:"3"`
}

// Load reads the JSON config file (if present) and applies environment
// overrides on top. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	// Dev convenience only; ignore a missing .env.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Environment wins over the file.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return cfg, nil
}

// SlackEnabled returns true if a Slack token is configured.
func (c *Config) SlackEnabled() bool { return c.SlackToken != "" }

// CalendarEnabled returns true if a calendar gateway is configured.
func (c *Config) CalendarEnabled() bool { return c.CalendarBaseURL != "" }

// DefaultPath returns the well-known config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "botfleet", "config.json")
	}
	return filepath.Join(os.TempDir(), "botfleet-config.json")
}

// RuntimeDir returns the directory for lock and PID files.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "botfleet")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("botfleet-%d", os.Getuid()))
}

// CacheDir returns the directory for state files and the photo cache.
func CacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "botfleet")
	}
	return filepath.Join(os.TempDir(), "botfleet-cache")
}

// DataDir returns the directory for the embedded store.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "botfleet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "botfleet-data")
	}
	return filepath.Join(home, ".local", "share", "botfleet")
}
