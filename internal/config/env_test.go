package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("TASKPILOT_API_KEY", "k")
	t.Setenv("TASKPILOT_SECRET_KEY", "s")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "local", env.StorageEnv.Type)
	assert.Equal(t, 50, env.BranchMaxLength)
	assert.Equal(t, 204800, env.MaxImageBytes)
	assert.InDelta(t, 500, env.DefaultBudget, 0)
	assert.Equal(t, "claude-sonnet-4-5", env.DefaultModel)
	assert.Equal(t, slog.LevelDebug, env.SlogLevel())
}

func TestLoadEnvRequiresSecrets(t *testing.T) {
	t.Setenv("TASKPILOT_API_KEY", "k")
	t.Setenv("TASKPILOT_SECRET_KEY", "")
	_, err := LoadEnv()
	assert.Error(t, err)
}

func TestLoadEnvValidatesStorage(t *testing.T) {
	t.Setenv("TASKPILOT_API_KEY", "k")
	t.Setenv("TASKPILOT_SECRET_KEY", "s")

	t.Setenv("TASKPILOT_STORAGE_TYPE", "s3")
	_, err := LoadEnv()
	assert.ErrorContains(t, err, "S3_BUCKET")

	t.Setenv("TASKPILOT_STORAGE_TYPE", "floppy")
	_, err = LoadEnv()
	assert.ErrorContains(t, err, "floppy")
}

func TestAgentCredits(t *testing.T) {
	t.Setenv("TASKPILOT_API_KEY", "k")
	t.Setenv("TASKPILOT_SECRET_KEY", "s")
	t.Setenv("TASKPILOT_MODEL_CREDITS", "claude-opus-4-1:40,claude-haiku-4-5:2")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.InDelta(t, 40, env.AgentCredits("claude-opus-4-1"), 0)
	assert.InDelta(t, 2, env.AgentCredits("claude-haiku-4-5"), 0)
	assert.InDelta(t, 10, env.AgentCredits("unknown"), 0)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, (&BaseEnv{LogLevel: "warn"}).SlogLevel())
	assert.Equal(t, slog.LevelDebug, (&BaseEnv{LogLevel: "nonsense"}).SlogLevel())
	var nilEnv *BaseEnv
	assert.Equal(t, slog.LevelDebug, nilEnv.SlogLevel())
}
