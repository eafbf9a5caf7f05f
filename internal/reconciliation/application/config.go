package application

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	meterapp "metergrid/internal/metering/application"
)

// ScheduleConfig defines the optional daily bulk schedule.
type ScheduleConfig struct {
	DailyAt string   `yaml:"daily_at"`
	Sites   []string `yaml:"sites"`
}

// Config tunes the reconciliation engine. Values come from env vars with
// defaults, optionally overridden by a YAML file (RECON_CONFIG).
type Config struct {
	EnergyChannel    string                      `yaml:"energy_channel"`
	DemandChannel    string                      `yaml:"demand_channel"`
	FetchWidth       int                         `yaml:"fetch_width"`
	PageSize         int                         `yaml:"page_size"`
	AttemptTimeout   time.Duration               `yaml:"attempt_timeout"`
	MaxRetries       int                         `yaml:"max_retries"`
	Backoff          time.Duration               `yaml:"backoff"`
	DefaultAuthority string                      `yaml:"default_authority"`
	Plausibility     []meterapp.PlausibilityRule `yaml:"plausibility"`
	Categories       map[string]string           `yaml:"categories"`
	Schedule         ScheduleConfig              `yaml:"schedule"`
}

// LoadConfig loads the engine configuration.
func LoadConfig() (Config, error) {
	cfg := Config{
		EnergyChannel:    getenvDefault("RECON_ENERGY_CHANNEL", "kwh"),
		DemandChannel:    getenvDefault("RECON_DEMAND_CHANNEL", "kw"),
		FetchWidth:       getenvIntDefault("RECON_FETCH_WIDTH", 4),
		PageSize:         getenvIntDefault("RECON_PAGE_SIZE", 500),
		AttemptTimeout:   getenvDuration("RECON_ATTEMPT_TIMEOUT", 10*time.Second),
		MaxRetries:       getenvIntDefault("RECON_MAX_RETRIES", 3),
		Backoff:          getenvDuration("RECON_BACKOFF", 250*time.Millisecond),
		DefaultAuthority: os.Getenv("RECON_TARIFF_AUTHORITY"),
		Plausibility: []meterapp.PlausibilityRule{
			{Channel: "kwh", MaxAbs: 100000},
			{Channel: "kw", MaxAbs: 100000},
		},
	}

	if path := os.Getenv("RECON_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Schedule.DailyAt == "" {
		cfg.Schedule.DailyAt = os.Getenv("RECON_DAILY_AT")
	}
	if len(cfg.Schedule.Sites) == 0 {
		cfg.Schedule.Sites = splitCSV(os.Getenv("RECON_SITES"))
	}
	if cfg.EnergyChannel == "" {
		return cfg, errors.New("reconciliation config: energy channel required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
