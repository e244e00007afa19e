/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"observatory/analyzer"
	"observatory/config"
	"observatory/db"
	"observatory/moltbook"
	"observatory/poller"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Jobs run once, in order, before the interval loops start so the store is
// never empty after startup
var startupJobs = []string{poller.JobSubmolts, poller.JobPosts}

// collector bundles everything a scheduled collection needs
type collector struct {
	cfg        *config.TomlConfig
	store      *db.DB
	client     *moltbook.Client
	aggregator *analyzer.Aggregator
	scheduler  *poller.Scheduler
}

func newClient(cfg *config.TomlConfig, apiKey string) *moltbook.Client {
	return moltbook.NewClient(moltbook.ClientConfig{
		BaseURL:           cfg.Remote.BaseURL,
		APIKey:            apiKey,
		Timeout:           cfg.Remote.Timeout.Duration,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
		MaxAttempts:       cfg.Remote.MaxAttempts,
	})
}

func newAggregator(cfg *config.TomlConfig, store *db.DB) *analyzer.Aggregator {
	return analyzer.NewAggregator(
		store,
		analyzer.NewTokenizer(cfg.Analyzer.StopWords...),
		analyzer.NewLexiconScorer(),
		analyzer.Config{
			Window:       cfg.Analyzer.Window.Duration,
			TopWords:     cfg.Analyzer.TopWords,
			WordsPerHour: cfg.Analyzer.WordsPerHour,
		},
	)
}

// newDetector returns nil unless at least two languages are configured
func newDetector(cfg *config.TomlConfig) (poller.Detector, error) {
	if len(cfg.Analyzer.Languages) < 2 {
		return nil, nil
	}
	detector, err := analyzer.NewLanguageDetector(cfg.Analyzer.Languages, cfg.Analyzer.LanguageConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to set up language detection: %w", err)
	}
	return detector, nil
}

func newCollector(cfg *config.TomlConfig, store *db.DB, apiKey string, recorders ...poller.Recorder) (*collector, error) {
	if apiKey == "" {
		log.Warn("No Moltbook API key configured, requests are sent without credentials")
	}

	detector, err := newDetector(cfg)
	if err != nil {
		return nil, err
	}

	c := &collector{
		cfg:        cfg,
		store:      store,
		client:     newClient(cfg, apiKey),
		aggregator: newAggregator(cfg, store),
	}

	opts := []poller.Option{poller.WithRecorder(store)}
	for _, recorder := range recorders {
		opts = append(opts, poller.WithRecorder(recorder))
	}
	c.scheduler = poller.NewScheduler(opts...)

	for _, name := range cfg.EnabledJobs() {
		job := cfg.Job(name)
		c.scheduler.Register(c.newJob(name, job, detector), job.Interval.Duration)
	}

	return c, nil
}

func (c *collector) newJob(name string, job config.TomlJob, detector poller.Detector) poller.Job {
	listing := poller.Listing{PageSize: job.PageSize, MaxPages: job.MaxPages}

	switch name {
	case poller.JobPosts:
		return poller.NewPostsJob(c.client, c.store, listing, detector)
	case poller.JobAgents:
		return poller.NewAgentsJob(c.client, c.store, listing)
	case poller.JobProfiles:
		return poller.NewProfilesJob(c.client, c.store, job.Batch)
	case poller.JobSubmolts:
		return poller.NewSubmoltsJob(c.client, c.store, listing)
	case poller.JobTrends:
		return poller.NewTrendsJob(c.aggregator)
	case poller.JobSnapshot:
		return poller.NewSnapshotJob(c.aggregator)
	case poller.JobTidy:
		return poller.NewTidyJob(c.store, c.cfg.Analyzer.Retention.Duration)
	}

	// Config validation only lets known job names through
	panic(fmt.Sprintf("no job named %s", name))
}

// startup lists the startup jobs that are enabled
func (c *collector) startup() []string {
	enabled := c.cfg.EnabledJobs()
	return lo.Filter(startupJobs, func(name string, _ int) bool {
		return lo.Contains(enabled, name)
	})
}
