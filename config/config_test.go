package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"observatory/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observatory.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.JobNames, cfg.EnabledJobs())
	assert.Equal(t, 2*time.Minute, cfg.Job("posts").Interval.Duration)
}

func TestLoadConfigMergesJobsWithDefaults(t *testing.T) {
	path := writeConfig(t, `
[remote]
requests_per_second = 0.5

[jobs.posts]
interval = "30s"

[jobs.agents]
disabled = true

[analyzer]
window = "12h"
retention = "48h"
stopwords = ["molt", "claw"]
languages = ["en", "de"]
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	posts := cfg.Job("posts")
	assert.Equal(t, 30*time.Second, posts.Interval.Duration)
	assert.Equal(t, 50, posts.PageSize)
	assert.Equal(t, 2, posts.MaxPages)

	assert.True(t, cfg.Job("agents").Disabled)
	assert.NotContains(t, cfg.EnabledJobs(), "agents")
	assert.Equal(t, time.Hour, cfg.Job("submolts").Interval.Duration)

	assert.Equal(t, 0.5, cfg.Remote.RequestsPerSecond)
	assert.Equal(t, 4, cfg.Remote.MaxAttempts)
	assert.Equal(t, 12*time.Hour, cfg.Analyzer.Window.Duration)
	assert.Equal(t, 10, cfg.Analyzer.TopWords)
	assert.Equal(t, []string{"molt", "claw"}, cfg.Analyzer.StopWords)
	assert.Equal(t, []string{"en", "de"}, cfg.Analyzer.Languages)
}

func TestLoadConfigRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown job", content: "[jobs.comments]\ninterval = \"1m\"\n"},
		{name: "bad duration", content: "[jobs.posts]\ninterval = \"soon\"\n"},
		{name: "negative page size", content: "[jobs.posts]\npage_size = -1\n"},
		{name: "short window", content: "[analyzer]\nwindow = \"10m\"\n"},
		{name: "short retention", content: "[analyzer]\nretention = \"24h\"\n"},
		{name: "not toml", content: "jobs = ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("observatory.example.toml")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
