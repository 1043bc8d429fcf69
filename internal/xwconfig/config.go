// Package xwconfig loads driver-wide configuration from a .env file (via
// godotenv) overlaid with environment variables, the way the teacher
// repo's config package layers os.Getenv over a hand-parsed .env file,
// except here .env parsing is delegated to godotenv instead of a
// bespoke line-scanner.
package xwconfig

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the settings exwordctl and any embedding application need
// to pick a region/mode and locate local staging data.
type Config struct {
	// Region is the locale/region code sent during CONNECT and used to
	// select a staging subdirectory and display-name charset.
	Region uint8
	// Mode selects LIBRARY, TEXT, or CD connect semantics.
	Mode string
	// DataDir overrides the default per-user data directory
	// (internal/hostfs.DataDir) when set.
	DataDir string
	// LogLevel mirrors the original implementation's numeric debug
	// level (0-5). It is loaded and stored; nothing in this module reads
	// it.
	LogLevel int
}

var (
	loaded *Config
)

// Load reads .env (if present) from the project root upward from the
// working directory, then overlays DRIVER_* environment variables,
// caching the result for subsequent calls like the teacher's
// LoadDeviceConfig.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, nil
	}

	cfg := &Config{Mode: "LIBRARY"}

	if envPath := findEnvFile(); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DRIVER_REGION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Region = uint8(n)
		}
	}
	if v := os.Getenv("DRIVER_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("DRIVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DRIVER_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogLevel = n
		}
	}

	loaded = cfg
	return cfg, nil
}

// findEnvFile looks for a .env file in the working directory, then walks
// upward looking for go.mod, matching findProjectRoot's project-root
// heuristic.
func findEnvFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return filepath.Join(cwd, ".env")
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			envPath := filepath.Join(cwd, ".env")
			if _, err := os.Stat(envPath); err == nil {
				return envPath
			}
			return ""
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
