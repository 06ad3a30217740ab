package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.omnidesk/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Agent   ConfigAgent   `toml:"agent"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	PageSize int    `toml:"page_size"`
}

// ConfigAuth holds authentication state.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigAgent holds the signed-in agent's identity used for event routing.
type ConfigAgent struct {
	ID     string `toml:"id"`
	Queues string `toml:"queues"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.omnidesk, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".omnidesk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config. Environment
// variables OMNIDESK_TOKEN and OMNIDESK_BASE_URL override file values.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if v := os.Getenv("OMNIDESK_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("OMNIDESK_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "page_size":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Default.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "agent":
		switch field {
		case "id":
			cfg.Agent.ID = value
		case "queues":
			cfg.Agent.Queues = value
		default:
			return fmt.Errorf("unknown field %q in section [agent]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, agent)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "omnidesk",
	Short: "Omnidesk agent console CLI",
	Long:  "Command-line interface for the Omnidesk customer-service platform.\nList conversations, read and send messages, and watch realtime events.",
}

func main() {
	// A .env in the working directory supplies OMNIDESK_* variables.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
