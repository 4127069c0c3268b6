// Package config provides configuration management for efimeral.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/efimeral/pkg/fleet"
	"github.com/jxucoder/efimeral/pkg/model"
)

// Config holds all configuration for the efimeral server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":8090").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// PublicURL is the externally visible base URL boxes are served under.
	PublicURL string

	// DockerNetwork is the Docker network box containers join.
	DockerNetwork string

	// TemplateFile optionally points at a YAML task template. Individual
	// EFIMERAL_* variables still override its fields.
	TemplateFile string

	// Template is the task definition every box is started from.
	Template fleet.TaskTemplate

	// MaxLifetime is the hard limit on a box's lifetime. Default: 7200s.
	MaxLifetime time.Duration

	// SweepInterval bounds how late a deadline can be enforced. Default: 5s.
	SweepInterval time.Duration

	// FailureCheckInterval is how often running boxes are checked for
	// tasks that exited on their own. Default: 30s.
	FailureCheckInterval time.Duration

	// Retention is how long terminated leases stay queryable. Default: 10m.
	Retention time.Duration

	LogLevel  string
	LogFormat string

	// Slack integration (optional -- Socket Mode).
	SlackBotToken string
	SlackAppToken string

	// Telegram integration (optional -- long polling).
	TelegramBotToken string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.efimeral/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("EFIMERAL_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	addr := envOr("EFIMERAL_ADDR", ":8090")
	cfg := &Config{
		ServerAddr:           addr,
		DataDir:              dataDir,
		DatabasePath:         filepath.Join(dataDir, "efimeral.db"),
		PublicURL:            envOr("EFIMERAL_PUBLIC_URL", defaultPublicURL(addr)),
		DockerNetwork:        envOr("EFIMERAL_DOCKER_NETWORK", "efimeral-net"),
		TemplateFile:         os.Getenv("EFIMERAL_TEMPLATE_FILE"),
		MaxLifetime:          time.Duration(envOrInt("EFIMERAL_MAX_LIFETIME_SECONDS", 7200)) * time.Second,
		SweepInterval:        envOrDuration("EFIMERAL_SWEEP_INTERVAL", 5*time.Second),
		FailureCheckInterval: envOrDuration("EFIMERAL_FAILURE_CHECK_INTERVAL", 30*time.Second),
		Retention:            envOrDuration("EFIMERAL_RETENTION", 10*time.Minute),
		LogLevel:             envOr("EFIMERAL_LOG_LEVEL", "info"),
		LogFormat:            envOr("EFIMERAL_LOG_FORMAT", "console"),
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:        os.Getenv("SLACK_APP_TOKEN"),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	tmpl := fleet.DefaultTemplate()
	if cfg.TemplateFile != "" {
		loaded, err := fleet.LoadTemplate(cfg.TemplateFile)
		if err != nil {
			return nil, err
		}
		tmpl = loaded
	}
	cfg.Template = templateFromEnv(tmpl)

	return cfg, nil
}

// templateFromEnv overrides template fields with any EFIMERAL_* variables set.
func templateFromEnv(t fleet.TaskTemplate) fleet.TaskTemplate {
	t.Cluster = envOr("EFIMERAL_CLUSTER", t.Cluster)
	t.Repository = envOr("EFIMERAL_REPOSITORY", t.Repository)
	t.DefaultTag = envOr("EFIMERAL_DEFAULT_IMAGE_TAG", t.DefaultTag)
	t.CPU = envOrInt("EFIMERAL_TASK_CPU", t.CPU)
	t.MemoryMiB = envOrInt("EFIMERAL_TASK_MEMORY", t.MemoryMiB)
	t.ContainerPort = envOrInt("EFIMERAL_CONTAINER_PORT", t.ContainerPort)
	t.InstanceType = envOr("EFIMERAL_INSTANCE_TYPE", t.InstanceType)
	t.MinCapacity = envOrInt("EFIMERAL_MIN_CAPACITY", t.MinCapacity)
	t.MaxCapacity = envOrInt("EFIMERAL_MAX_CAPACITY", t.MaxCapacity)
	return t
}

// loadConfigFile reads ~/.efimeral/config.env and sets any values that are not
// already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	f, err := os.Open(FilePath())
	if err != nil {
		return // file doesn't exist or can't be read; env and defaults still apply
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks the configuration. Errors wrap model.ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.Template.Validate(); err != nil {
		return err
	}
	if c.MaxLifetime <= 0 {
		return fmt.Errorf("%w: EFIMERAL_MAX_LIFETIME_SECONDS must be positive", model.ErrConfiguration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: EFIMERAL_SWEEP_INTERVAL must be positive", model.ErrConfiguration)
	}
	if c.FailureCheckInterval < 0 {
		return fmt.Errorf("%w: EFIMERAL_FAILURE_CHECK_INTERVAL must not be negative", model.ErrConfiguration)
	}
	if c.Retention < 0 {
		return fmt.Errorf("%w: EFIMERAL_RETENTION must not be negative", model.ErrConfiguration)
	}
	if c.SlackBotToken != "" && c.SlackAppToken == "" {
		return fmt.Errorf("%w: SLACK_APP_TOKEN is required when SLACK_BOT_TOKEN is set", model.ErrConfiguration)
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// FilePath returns the path of the config file, ~/.efimeral/config.env.
func FilePath() string {
	return filepath.Join(defaultDataDir(), "config.env")
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultPublicURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".efimeral"
	}
	return filepath.Join(home, ".efimeral")
}
