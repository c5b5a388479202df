// Package config implements the aggregator's layered configuration:
// CLI flags override environment variables, which override an optional
// on-disk YAML file, which overrides built-in defaults. Following the
// teacher's config.go (nested structs with JSON tags), but layered the
// way the original __main__.py's argparse + env var reads are.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Retention holds how long raw samples are kept and how often rollups run.
type Retention struct {
	RawHorizonSeconds int64 `yaml:"raw_horizon_seconds"`
	RollupIntervalSec int64 `yaml:"rollup_interval_seconds"`
}

// Discovery holds the optional directory-service advertisement settings.
type Discovery struct {
	Enabled      bool   `yaml:"enabled"`
	DirectoryURL string `yaml:"directory_url"`
	Hostname     string `yaml:"hostname"`
}

// File is the shape of the optional on-disk YAML config layer.
type File struct {
	Retention Retention `yaml:"retention"`
	Discovery Discovery `yaml:"discovery"`
}

// Config is the fully-resolved, layered configuration the aggregator runs
// with.
type Config struct {
	Host     string
	Port     int
	DBPath   string
	Token    string
	TLSCert  string
	TLSKey   string
	MDNS     bool
	MDNSName string

	Retention Retention
	Discovery Discovery
}

const (
	defaultRawHorizonSeconds = 30 * 24 * 3600
	defaultRollupIntervalSec = 300
)

// Defaults returns the built-in bottom layer.
func Defaults() Config {
	return Config{
		Host:   "0.0.0.0",
		Port:   9000,
		DBPath: "~/.sysmon/aggregator.db",
		Retention: Retention{
			RawHorizonSeconds: defaultRawHorizonSeconds,
			RollupIntervalSec: defaultRollupIntervalSec,
		},
	}
}

// LoadFile reads an optional YAML config file; a missing file is not an
// error, matching the aggregator's "config is optional" posture.
func LoadFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config file: %w", err)
	}
	return f, nil
}

// ApplyFile layers non-zero fields from f over cfg.
func ApplyFile(cfg Config, f File) Config {
	if f.Retention.RawHorizonSeconds != 0 {
		cfg.Retention.RawHorizonSeconds = f.Retention.RawHorizonSeconds
	}
	if f.Retention.RollupIntervalSec != 0 {
		cfg.Retention.RollupIntervalSec = f.Retention.RollupIntervalSec
	}
	cfg.Discovery = f.Discovery
	return cfg
}

// ApplyEnv layers SYSMON_AGGREGATOR_TOKEN (and friends) over cfg, matching
// auth.py's TokenAuthenticator reading the token from the environment when
// none was passed explicitly.
func ApplyEnv(cfg Config) Config {
	if tok := os.Getenv("SYSMON_AGGREGATOR_TOKEN"); tok != "" {
		cfg.Token = tok
	}
	if host := os.Getenv("SYSMON_AGGREGATOR_HOST"); host != "" {
		cfg.Host = host
	}
	if db := os.Getenv("SYSMON_AGGREGATOR_DB"); db != "" {
		cfg.DBPath = db
	}
	return cfg
}

// ErrTokenRequired is returned when no token is configured anywhere; the
// aggregator must refuse to start rather than serve unauthenticated,
// matching auth.py's TokenAuthenticator raising ValueError on an empty token.
var ErrTokenRequired = fmt.Errorf("no auth token configured: set --token or SYSMON_AGGREGATOR_TOKEN")

// Validate checks the fully-layered config is runnable.
func (c Config) Validate() error {
	if c.Token == "" {
		return ErrTokenRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("--cert and --key must both be set or both be empty")
	}
	return nil
}
