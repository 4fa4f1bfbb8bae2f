package common

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/interfaces"
)

// Config represents the fleet controller's full configuration.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	SQLite      SQLiteConfig     `toml:"sqlite"`
	Seeds       SeedsConfig      `toml:"seeds"`
	Chrome      ChromeConfig     `toml:"chrome"`
	Logging     LoggingConfig    `toml:"logging"`
	Checkin     CheckinConfig    `toml:"checkin"`
	Worker      WorkerConfig     `toml:"worker"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// SupervisorConfig tunes the process supervisor's scheduling behavior.
type SupervisorConfig struct {
	MaxConcurrency     int `toml:"max_concurrency"`      // Max tasks running simultaneously across all sites
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"` // Kill a worker still running after this many seconds
	TickIntervalMS     int `toml:"tick_interval_ms"`     // Not read: the supervisor ticks on a fixed 5s interval
	LoginMaxRetry      int `toml:"login_max_retry"`      // Loaded but not read by the supervisor or the worker
}

// SQLiteConfig controls the persistent store's connection and pragmas.
// Discovered missing from the upstream reference during this port; defined
// fresh here since nothing in the original codebase ever declared it.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	WALMode        bool   `toml:"wal_mode"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // development only
	Environment    string `toml:"-"`                // populated from Config.Environment at load time
}

// SeedsConfig points at the on-disk directories the site registry loads from.
type SeedsConfig struct {
	SiteConfigDir   string `toml:"site_config_dir"`  // one JSON file per site_id
	CredentialsPath string `toml:"credentials_path"` // JSON file keyed by site_id
}

// ChromeConfig controls the managed browser binary used by scraper workers.
type ChromeConfig struct {
	StoragePath string `toml:"storage_path"` // Not read: provisioning extracts into the settings row's <storage_path>/chrome
	BinaryPath  string `toml:"binary_path"`  // Not read: provisioning is skipped by the settings row's chrome_path
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// CheckinConfig drives the optional daily check-in scheduling pass.
type CheckinConfig struct {
	Enabled  bool     `toml:"enabled"`
	Sites    []string `toml:"sites"`    // site_ids that support check-in; empty means none
	Schedule string   `toml:"schedule"` // cron expression, default "0 2 * * *"
}

// WorkerConfig points the supervisor at the cmd/fleetworker binary it spawns.
type WorkerConfig struct {
	BinaryPath string `toml:"binary_path"` // path to the fleetworker executable
	LogDir     string `toml:"log_dir"`     // per-task worker logs are written under here
}

// NewDefaultConfig creates a configuration with production-sane defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Supervisor: SupervisorConfig{
			MaxConcurrency:     8,
			TaskTimeoutSeconds: 240,
			TickIntervalMS:     5000,
			LoginMaxRetry:      3,
		},
		SQLite: SQLiteConfig{
			Path:          "./storage/fleet.db",
			WALMode:       true,
			BusyTimeoutMS: 5000,
			CacheSizeMB:   64,
		},
		Seeds: SeedsConfig{
			SiteConfigDir:   "./services/sites/implementations",
			CredentialsPath: "./services/sites/credentials.json",
		},
		Chrome: ChromeConfig{
			StoragePath: "./storage/chrome",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Checkin: CheckinConfig{
			Enabled:  true,
			Sites:    []string{},
			Schedule: "0 2 * * *",
		},
		Worker: WorkerConfig{
			BinaryPath: "./bin/fleetworker",
			LogDir:     "./storage/worker-logs",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> KV replacement -> env.
// CLI flags are applied separately by ApplyFlagOverrides.
// kvStorage can be nil, in which case key replacement is skipped.
func LoadFromFile(kvStorage interfaces.KeyValueStorage, path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles(kvStorage)
	}
	return LoadFromFiles(kvStorage, path)
}

// LoadFromFiles loads configuration from multiple TOML files, later files
// overriding earlier ones, then applies KV replacement and env overrides.
func LoadFromFiles(kvStorage interfaces.KeyValueStorage, paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	if kvStorage != nil {
		ctx := context.Background()
		kvMap, err := kvStorage.GetAll(ctx)
		if err != nil {
			logger := arbor.NewLogger()
			logger.Warn().Err(err).Msg("Failed to fetch KV map for config replacement, skipping replacement")
		} else {
			logger := arbor.NewLogger()
			if err := ReplaceInStruct(config, kvMap, logger); err != nil {
				logger.Warn().Err(err).Msg("Failed to replace key references in config")
			}
		}
	}

	applyEnvOverrides(config)
	config.SQLite.Environment = config.Environment

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QUAERO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("QUAERO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("QUAERO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if mc := os.Getenv("CRAWLER_MAX_CONCURRENCY"); mc != "" {
		if v, err := strconv.Atoi(mc); err == nil {
			config.Supervisor.MaxConcurrency = v
		}
	}
	if lr := os.Getenv("LOGIN_MAX_RETRY"); lr != "" {
		if v, err := strconv.Atoi(lr); err == nil {
			config.Supervisor.LoginMaxRetry = v
		}
	}
	if tt := os.Getenv("TASK_TIMEOUT_SECONDS"); tt != "" {
		if v, err := strconv.Atoi(tt); err == nil {
			config.Supervisor.TaskTimeoutSeconds = v
		}
	}

	if sp := os.Getenv("STORAGE_PATH"); sp != "" {
		config.SQLite.Path = sp
	}
	if cd := os.Getenv("CRAWLER_CONFIG_PATH"); cd != "" {
		config.Seeds.SiteConfigDir = cd
	}
	if cc := os.Getenv("CRAWLER_CREDENTIAL_PATH"); cc != "" {
		config.Seeds.CredentialsPath = cc
	}

	if ec := os.Getenv("ENABLE_CHECKIN"); ec != "" {
		if v, err := strconv.ParseBool(ec); err == nil {
			config.Checkin.Enabled = v
		}
	}
	if cs := os.Getenv("CHECKIN_SITES"); cs != "" {
		sites := []string{}
		for _, s := range splitString(cs, ",") {
			trimmed := trimSpace(s)
			if trimmed != "" {
				sites = append(sites, trimmed)
			}
		}
		if len(sites) > 0 {
			config.Checkin.Sites = sites
		}
	}

	if level := os.Getenv("QUAERO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("QUAERO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("QUAERO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Helper functions for string manipulation (kept dependency-free; used before
// the logger, config, and KV layers exist).
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// ValidateSchedule validates a cron schedule expression for the check-in pass.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct, used by the
// config service to prevent callers from mutating the cached instance.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.Checkin.Sites) > 0 {
		clone.Checkin.Sites = make([]string, len(c.Checkin.Sites))
		copy(clone.Checkin.Sites, c.Checkin.Sites)
	}

	return &clone
}
