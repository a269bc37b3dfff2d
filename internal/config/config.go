// Package config loads membank configuration from a JSON file in the
// XDG config directory, with MEMBANK_* environment variables taking
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	API     APIConfig
	Storage StorageConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL string
	// Token authenticates against the memory service. Secret: environment
	// variable only, never written to the config file.
	Token          string
	Org            string
	Project        string
	TimeoutSeconds int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "https://api.membank.dev",
			Org:            "default",
			Project:        "default",
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "membank-data"
		}
	}
	return filepath.Join(dir, "membank")
}

// Load reads configuration from the config file at
// $XDG_CONFIG_HOME/membank/config.json, then applies MEMBANK_* environment
// overrides. The API token must come from the environment
// (MEMBANK_API_TOKEN).
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set it via environment variable MEMBANK_API_TOKEN")
	}

	return cfg, nil
}
