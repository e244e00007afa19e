package cmd

import (
	"path/filepath"
	"testing"

	"observatory/config"
	"observatory/db"
	"observatory/poller"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "observatory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewCollectorRegistersEnabledJobs(t *testing.T) {
	cfg := config.Default()
	col, err := newCollector(cfg, openTestDB(t), "secret")
	require.NoError(t, err)

	names := lo.Map(col.scheduler.States(), func(s poller.State, _ int) string { return s.Name })
	assert.Equal(t, config.JobNames, names)
	assert.Equal(t, []string{poller.JobSubmolts, poller.JobPosts}, col.startup())

	posts, ok := lo.Find(col.scheduler.States(), func(s poller.State) bool { return s.Name == poller.JobPosts })
	require.True(t, ok)
	assert.Equal(t, 120.0, posts.IntervalSeconds)
}

func TestDisabledJobsAreNotScheduled(t *testing.T) {
	cfg := config.Default()
	job := cfg.Jobs[poller.JobPosts]
	job.Disabled = true
	cfg.Jobs[poller.JobPosts] = job

	col, err := newCollector(cfg, openTestDB(t), "")
	require.NoError(t, err)

	assert.Len(t, col.scheduler.States(), len(config.JobNames)-1)
	assert.Equal(t, []string{poller.JobSubmolts}, col.startup())
}

func TestNewDetector(t *testing.T) {
	cfg := config.Default()

	detector, err := newDetector(cfg)
	require.NoError(t, err)
	assert.Nil(t, detector)

	cfg.Analyzer.Languages = []string{"en", "de"}
	detector, err = newDetector(cfg)
	require.NoError(t, err)
	assert.NotNil(t, detector)

	cfg.Analyzer.Languages = []string{"xx", "yy"}
	_, err = newDetector(cfg)
	assert.Error(t, err)
}

func TestRootAppCommands(t *testing.T) {
	app := RootApp()
	names := lo.Map(app.Commands, func(c *cli.Command, _ int) string { return c.Name })
	assert.Equal(t, []string{"serve", "collect", "migrate", "rollback", "tidy", "verify"}, names)
}
