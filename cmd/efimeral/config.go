package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/efimeral/internal/config"
)

// configKey describes a single configuration value.
type configKey struct {
	Key    string
	Desc   string
	Secret bool
	Prefix string // expected prefix for validation (e.g. "xoxb-"), empty = no check
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"EFIMERAL_ADDR", "HTTP listen address", false, ""},
	{"EFIMERAL_PUBLIC_URL", "Public base URL boxes are served under", false, ""},
	{"EFIMERAL_DATA_DIR", "Directory for the lease database", false, ""},
	{"EFIMERAL_DOCKER_NETWORK", "Docker network box containers join", false, ""},
	{"EFIMERAL_TEMPLATE_FILE", "YAML task template file", false, ""},
	{"EFIMERAL_CLUSTER", "Cluster label for box tasks", false, ""},
	{"EFIMERAL_REPOSITORY", "Image repository", false, ""},
	{"EFIMERAL_DEFAULT_IMAGE_TAG", "Image tag used when none is given", false, ""},
	{"EFIMERAL_TASK_CPU", "CPU units per box (1024 = 1 vCPU)", false, ""},
	{"EFIMERAL_TASK_MEMORY", "Memory per box in MiB", false, ""},
	{"EFIMERAL_CONTAINER_PORT", "Port the box serves on", false, ""},
	{"EFIMERAL_INSTANCE_TYPE", "Instance type label", false, ""},
	{"EFIMERAL_MIN_CAPACITY", "Minimum pool capacity", false, ""},
	{"EFIMERAL_MAX_CAPACITY", "Maximum concurrently running boxes", false, ""},
	{"EFIMERAL_MAX_LIFETIME_SECONDS", "Hard lifetime of every box in seconds", false, ""},
	{"EFIMERAL_SWEEP_INTERVAL", "Deadline check interval (e.g. 5s)", false, ""},
	{"EFIMERAL_FAILURE_CHECK_INTERVAL", "Dead task check interval (e.g. 30s)", false, ""},
	{"EFIMERAL_RETENTION", "How long stopped boxes stay listed (e.g. 10m)", false, ""},
	{"EFIMERAL_LOG_LEVEL", "Log level (debug, info, warn, error)", false, ""},
	{"EFIMERAL_LOG_FORMAT", "Log format (console, json)", false, ""},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", true, ""},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", true, "xoxb-"},
	{"SLACK_APP_TOKEN", "Slack App-Level Token (xapp-...)", true, "xapp-"},
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage efimeral configuration",
	Long: `Manage efimeral configuration.

Configuration is stored in ~/.efimeral/config.env and can be overridden
by environment variables.

  efimeral config set KEY VALUE      Set a single config value
  efimeral config unset KEY          Remove a config value
  efimeral config show               Show current configuration
  efimeral config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  efimeral config set EFIMERAL_MAX_LIFETIME_SECONDS 3600`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset KEY",
	Short: "Remove a config value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(config.FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := config.FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# efimeral configuration")
	fmt.Fprintln(f, "# Managed by: efimeral config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Write in a stable order: known keys first, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}

	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}

	return nil
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// findKey looks up a configKey by name.
func findKey(name string) (configKey, bool) {
	for _, ck := range allConfigKeys {
		if ck.Key == name {
			return ck, true
		}
	}
	return configKey{Key: name}, false
}

// ---------------------------------------------------------------------------
// config set / unset / show
// ---------------------------------------------------------------------------

// runConfigSet sets a single key=value in the config file.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	ck, known := findKey(key)
	if ck.Prefix != "" && !strings.HasPrefix(value, ck.Prefix) {
		return fmt.Errorf("%s should start with %q", key, ck.Prefix)
	}

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fileValues[key] = value

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if ck.Secret {
		fmt.Fprintf(out, "Set %s = %s\n", key, maskSecret(value))
	} else {
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
	}
	if !known {
		fmt.Fprintf(out, "Note: %s is not a known efimeral setting\n", key)
	}
	return nil
}

// runConfigUnset removes a key from the config file.
func runConfigUnset(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if _, ok := fileValues[args[0]]; !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not set in %s\n", args[0], config.FilePath())
		return nil
	}
	delete(fileValues, args[0])
	if err := saveConfigFile(fileValues); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", args[0])
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	showConfig(cmd.OutOrStdout(), fileValues)
	return nil
}

func showConfig(w io.Writer, fileValues map[string]string) {
	fmt.Fprintf(w, "Config file: %s\n\n", config.FilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(default)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}

		fmt.Fprintf(w, "  %-33s %s%s\n", ck.Key, display, source)
	}
}
