package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"STATE_TABLE":  "state",
		"TASKS_TABLE":  "tasks",
		"PARAM_PREFIX": "/todo",
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(env(baseEnv()))
	require.NoError(t, err)
	require.Equal(t, "OwnerIndex", cfg.ownerIndex)
	require.Equal(t, providerOpenAI, cfg.modelProvider)
	require.Equal(t, 20, cfg.maxContextMessages)
	require.Equal(t, 2000, cfg.maxMessageLength)
	require.Equal(t, 30*time.Second, cfg.modelTimeout)
	require.Equal(t, 35*time.Second, cfg.turnTimeout)
	require.Equal(t, slog.LevelInfo, cfg.logLevel)
}

func TestLoadConfig_Overrides(t *testing.T) {
	vals := baseEnv()
	vals["MODEL_PROVIDER"] = "Anthropic"
	vals["MAX_CONTEXT_MESSAGES"] = "8"
	vals["MODEL_TIMEOUT"] = "10s"
	vals["TURN_TIMEOUT"] = "12s"
	vals["LOG_LEVEL"] = "debug"

	cfg, err := loadConfig(env(vals))
	require.NoError(t, err)
	require.Equal(t, providerAnthropic, cfg.modelProvider)
	require.Equal(t, 8, cfg.maxContextMessages)
	require.Equal(t, 10*time.Second, cfg.modelTimeout)
	require.Equal(t, slog.LevelDebug, cfg.logLevel)
}

func TestLoadConfig_ReportsEveryProblem(t *testing.T) {
	cfg, err := loadConfig(env(map[string]string{
		"MODEL_PROVIDER":     "openai_compatible",
		"MAX_MESSAGE_LENGTH": "lots",
		"TURN_TIMEOUT":       "5s",
		"LOG_LEVEL":          "loud",
	}))
	require.Error(t, err)
	for _, want := range []string{"STATE_TABLE", "TASKS_TABLE", "PARAM_PREFIX", "MAX_MESSAGE_LENGTH", "MODEL_BASE_URL", "TURN_TIMEOUT", "LOG_LEVEL"} {
		require.ErrorContains(t, err, want)
	}
	require.Equal(t, 2000, cfg.maxMessageLength)
}

func TestLoadConfig_UnknownProvider(t *testing.T) {
	vals := baseEnv()
	vals["MODEL_PROVIDER"] = "bard"
	_, err := loadConfig(env(vals))
	require.ErrorContains(t, err, "MODEL_PROVIDER")
}
