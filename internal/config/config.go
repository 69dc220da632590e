// Package config loads scanventory settings from an optional YAML file with
// environment variable overrides. A missing settings file is not an error;
// every field has a usable default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds everything tunable about the service.
type Settings struct {
	DataDir          string  `yaml:"datadir"`
	Port             string  `yaml:"port"`
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	Concurrency      int     `yaml:"concurrency"`
	MaxRetries       int     `yaml:"maxretries"`
	ClaimStaleAfter  string  `yaml:"claimstaleafter"`
	LockTimeout      string  `yaml:"locktimeout"`
	InactivityExpiry string  `yaml:"inactivityexpiry"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		DataDir:          "data",
		Port:             "8888",
		Provider:         "gemini",
		Temperature:      0.1,
		Concurrency:      3,
		MaxRetries:       3,
		ClaimStaleAfter:  "5m",
		LockTimeout:      "5s",
		InactivityExpiry: "72h",
	}
}

// Load reads settings from path (skipped when empty or missing) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read settings file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings file %s: %w", path, err)
		}
	}

	applyEnv(s)
	if _, err := s.durations(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	setString(&s.DataDir, "SCANVENTORY_DATA_DIR")
	setString(&s.Port, "SCANVENTORY_PORT")
	setString(&s.Provider, "SCANVENTORY_PROVIDER")
	setString(&s.Model, "SCANVENTORY_MODEL")
	setString(&s.ClaimStaleAfter, "SCANVENTORY_CLAIM_STALE_AFTER")
	setString(&s.LockTimeout, "SCANVENTORY_LOCK_TIMEOUT")
	setString(&s.InactivityExpiry, "SCANVENTORY_INACTIVITY_EXPIRY")
	setInt(&s.Concurrency, "SCANVENTORY_CONCURRENCY")
	setInt(&s.MaxRetries, "SCANVENTORY_MAX_RETRIES")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Durations holds the parsed duration settings.
type Durations struct {
	ClaimStaleAfter  time.Duration
	LockTimeout      time.Duration
	InactivityExpiry time.Duration
}

// ParseDurations parses the duration-valued settings.
func (s *Settings) ParseDurations() (Durations, error) {
	return s.durations()
}

func (s *Settings) durations() (Durations, error) {
	var d Durations
	var err error
	if d.ClaimStaleAfter, err = time.ParseDuration(s.ClaimStaleAfter); err != nil {
		return d, fmt.Errorf("claimstaleafter: %w", err)
	}
	if d.LockTimeout, err = time.ParseDuration(s.LockTimeout); err != nil {
		return d, fmt.Errorf("locktimeout: %w", err)
	}
	if d.InactivityExpiry, err = time.ParseDuration(s.InactivityExpiry); err != nil {
		return d, fmt.Errorf("inactivityexpiry: %w", err)
	}
	return d, nil
}
