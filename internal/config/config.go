// Package config loads and watches picbot's configuration file.
//
// The file is JSON or YAML (by extension); YAML is coerced to JSON bytes so a
// single strict decoder (DisallowUnknownFields) covers both. The Telegram
// token can always be supplied via the BOT_TOKEN environment variable, which
// takes precedence over the file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Photos    PhotosConfig    `json:"photos"`
	Store     StoreConfig     `json:"store,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type PhotosConfig struct {
	Dir string `json:"dir,omitempty"` // default "./photos"
	// WelcomeCaption goes with the reserved welcome image on /start.
	WelcomeCaption string `json:"welcome_caption,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver,omitempty"` // "file" (default) | "sqlite"
	Path   string `json:"path,omitempty"`   // default "./data"
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the IANA zone every user's HH:MM is interpreted in.
	Timezone string `json:"timezone,omitempty"` // default "America/Argentina/Buenos_Aires"
	// DefaultTime is assigned to new users on /start.
	DefaultTime string `json:"default_time,omitempty"` // default "10:00"
}

type DispatchConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// JobTimeout is a Go duration string bounding one delivery attempt.
	JobTimeout  string `json:"job_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// envOverrides are applied on top of the parsed file.
type envOverrides struct {
	BotToken string `env:"BOT_TOKEN"`
}

func (c *Config) applyDefaults() {
	if c.Photos.Dir == "" {
		c.Photos.Dir = "./photos"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "America/Argentina/Buenos_Aires"
	}
	if c.Scheduler.DefaultTime == "" {
		c.Scheduler.DefaultTime = "10:00"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if ov.BotToken != "" {
		c.Telegram.Token = ov.BotToken
	}
	return nil
}

func decode(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configs the services could not start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram token missing (set telegram.token or BOT_TOKEN)")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.job_timeout", c.Dispatch.JobTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// ParseDurationField parses an optional Go duration string from the config.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
