package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	providerOpenAI           = "openai"
	providerOpenAICompatible = "openai_compatible"
	providerAnthropic        = "anthropic"
)

type config struct {
	stateTable         string
	tasksTable         string
	ownerIndex         string
	paramPrefix        string
	modelProvider      string
	modelBaseURL       string
	maxContextMessages int
	maxMessageLength   int
	modelTimeout       time.Duration
	turnTimeout        time.Duration
	logLevel           slog.Level
}

// loadConfig reads the environment. Every problem is reported, not just the first.
func loadConfig(getenv func(string) string) (config, error) {
	var errs []error
	required := func(key string) string {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return v
	}
	positiveInt := func(key string, def int) int {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer, got %q", key, v))
			return def
		}
		return n
	}
	duration := func(key string, def time.Duration) time.Duration {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", key, v))
			return def
		}
		return d
	}

	cfg := config{
		stateTable:         required("STATE_TABLE"),
		tasksTable:         required("TASKS_TABLE"),
		ownerIndex:         strings.TrimSpace(getenv("OWNER_INDEX")),
		paramPrefix:        required("PARAM_PREFIX"),
		modelProvider:      strings.ToLower(strings.TrimSpace(getenv("MODEL_PROVIDER"))),
		modelBaseURL:       strings.TrimSpace(getenv("MODEL_BASE_URL")),
		maxContextMessages: positiveInt("MAX_CONTEXT_MESSAGES", 20),
		maxMessageLength:   positiveInt("MAX_MESSAGE_LENGTH", 2000),
		modelTimeout:       duration("MODEL_TIMEOUT", 30*time.Second),
		turnTimeout:        duration("TURN_TIMEOUT", 35*time.Second),
	}
	if cfg.ownerIndex == "" {
		cfg.ownerIndex = "OwnerIndex"
	}

	switch cfg.modelProvider {
	case "":
		cfg.modelProvider = providerOpenAI
	case providerOpenAI, providerOpenAICompatible, providerAnthropic:
	default:
		errs = append(errs, fmt.Errorf("MODEL_PROVIDER %q is not one of %s, %s, %s",
			cfg.modelProvider, providerOpenAI, providerOpenAICompatible, providerAnthropic))
	}
	if cfg.modelProvider == providerOpenAICompatible && cfg.modelBaseURL == "" {
		errs = append(errs, errors.New("MODEL_BASE_URL is required for openai_compatible"))
	}
	if cfg.turnTimeout <= cfg.modelTimeout {
		errs = append(errs, fmt.Errorf("TURN_TIMEOUT (%s) must be longer than MODEL_TIMEOUT (%s)", cfg.turnTimeout, cfg.modelTimeout))
	}

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		if err := cfg.logLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	return cfg, errors.Join(errs...)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
