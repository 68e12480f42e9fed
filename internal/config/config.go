package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DetectorPoll     = "poll"
	DetectorFSNotify = "fsnotify"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	JJ       JJConfig       `yaml:"jj"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	AdminRouteCIDRs []string `yaml:"admin_route_cidrs"`
	EnablePprof     bool     `yaml:"enable_pprof"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type WatcherConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	DebounceMS     int    `yaml:"debounce_ms"`
	MaxChanges     int    `yaml:"max_changes"`
	Detector       string `yaml:"detector"` // "poll" or "fsnotify"
	PruneBookmarks bool   `yaml:"prune_bookmarks"`
	ReposBasePath  string `yaml:"repos_base_path"`
}

type JJConfig struct {
	Binary string `yaml:"binary"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token checks on mutating watcher routes when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	Level     string `yaml:"level"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

func (w WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// Validate reports configuration errors that must stop the service from starting.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Watcher.PollIntervalMS <= 0 {
		return fmt.Errorf("WATCHER_POLL_INTERVAL must be positive (current: %d)", c.Watcher.PollIntervalMS)
	}
	if c.Watcher.DebounceMS < 0 {
		return fmt.Errorf("WATCHER_DEBOUNCE must not be negative (current: %d)", c.Watcher.DebounceMS)
	}
	if c.Watcher.MaxChanges <= 0 {
		return fmt.Errorf("WATCHER_MAX_CHANGES must be positive (current: %d)", c.Watcher.MaxChanges)
	}
	switch c.Watcher.Detector {
	case DetectorPoll, DetectorFSNotify:
	default:
		return fmt.Errorf("unsupported watcher detector: %q", c.Watcher.Detector)
	}
	if strings.TrimSpace(c.Watcher.ReposBasePath) == "" {
		return fmt.Errorf("REPOS_BASE_PATH must be configured")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(c.JJ.Binary) == "" {
		return fmt.Errorf("jj.binary must be configured")
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3100,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "jjsync.db",
		},
		Watcher: WatcherConfig{
			Enabled:        true,
			PollIntervalMS: 100,
			DebounceMS:     300,
			MaxChanges:     1000,
			Detector:       DetectorPoll,
			ReposBasePath:  "repos",
		},
		JJ: JJConfig{
			Binary: "jj",
		},
		Log: LogConfig{
			MaxSizeMB: 100,
			Level:     "info",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("JJSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("JJSYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("JJSYNC_ADMIN_ROUTE_CIDRS"); v != "" {
		cfg.Server.AdminRouteCIDRs = splitCSV(v)
	}
	if v := os.Getenv("JJSYNC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("JJSYNC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JJSYNC_JJ_BIN"); v != "" {
		cfg.JJ.Binary = strings.TrimSpace(v)
	}
	if v := os.Getenv("JJSYNC_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JJSYNC_LOG_FILE"); v != "" {
		cfg.Log.File = strings.TrimSpace(v)
	}
	if v := os.Getenv("JJSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("REPOS_BASE_PATH"); v != "" {
		cfg.Watcher.ReposBasePath = v
	}
	if v := os.Getenv("WATCHER_DETECTOR"); v != "" {
		cfg.Watcher.Detector = strings.ToLower(strings.TrimSpace(v))
	}

	// Watcher tunables are typed; a malformed value is a startup error rather
	// than a silent fallback to the default.
	if v := os.Getenv("WATCHER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse WATCHER_ENABLED: %w", err)
		}
		cfg.Watcher.Enabled = enabled
	}
	if v := os.Getenv("JJSYNC_ENABLE_PPROF"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse JJSYNC_ENABLE_PPROF: %w", err)
		}
		cfg.Server.EnablePprof = enabled
	}
	if v := os.Getenv("WATCHER_PRUNE_BOOKMARKS"); v != "" {
		prune, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse WATCHER_PRUNE_BOOKMARKS: %w", err)
		}
		cfg.Watcher.PruneBookmarks = prune
	}
	for _, item := range []struct {
		name string
		dst  *int
	}{
		{"WATCHER_POLL_INTERVAL", &cfg.Watcher.PollIntervalMS},
		{"WATCHER_DEBOUNCE", &cfg.Watcher.DebounceMS},
		{"WATCHER_MAX_CHANGES", &cfg.Watcher.MaxChanges},
	} {
		v := strings.TrimSpace(os.Getenv(item.name))
		if v == "" {
			continue
		}
		value, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", item.name, err)
		}
		*item.dst = value
	}
	return nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
