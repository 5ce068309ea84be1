package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings holds every knob the sync service recognizes. It is read once
// at process start and never mutated afterwards; a bad value is fatal
// before the first cycle runs.
type Settings struct {
	BatchSize         int           `validate:"gt=0"`
	PollInterval      time.Duration `validate:"gt=0"`
	BackoffInitial    time.Duration `validate:"gt=0"`
	BackoffMax        time.Duration `validate:"gt=0,gtefield=BackoffInitial"`
	ReadinessInterval time.Duration `validate:"gt=0"`
	LockTTL           time.Duration `validate:"gt=0"`
	EntityTypes       []string      `validate:"min=1,dive,oneof=movies genres persons"`
}

var settings *Settings

func GetSettings() *Settings {
	return settings
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// LoadSettings parses and validates the sync configuration from the
// environment. A malformed value is an error, not a silent default;
// main() treats it as fatal before starting any worker.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		EntityTypes: splitAndTrim(envOrDefault("SYNC_ENTITY_TYPES", "movies,genres,persons")),
	}

	var err error
	if s.BatchSize, err = intSetting("SYNC_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if s.PollInterval, err = durationSetting("SYNC_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if s.BackoffInitial, err = durationSetting("SYNC_BACKOFF_INITIAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if s.BackoffMax, err = durationSetting("SYNC_BACKOFF_MAX", 30*time.Second); err != nil {
		return nil, err
	}
	if s.ReadinessInterval, err = durationSetting("SYNC_READINESS_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if s.LockTTL, err = durationSetting("SYNC_LOCK_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	settings = s
	return s, nil
}

func envOrDefault(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intSetting(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func durationSetting(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, v)
	}
	return d, nil
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
