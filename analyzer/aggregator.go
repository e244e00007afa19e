package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"observatory/db"
	"observatory/models"

	log "github.com/sirupsen/logrus"
)

// Store is the part of the entity store the aggregator reads and writes
type Store interface {
	PostsCreatedBetween(ctx context.Context, from time.Time, to time.Time) ([]models.Post, error)
	ReplaceWordFrequencies(ctx context.Context, from time.Time, to time.Time, counts map[int64]map[string]int64) error
	GetStats(ctx context.Context, now time.Time) (models.Stats, error)
	GetLatestSnapshot(ctx context.Context) (models.Snapshot, error)
	InsertSnapshot(ctx context.Context, snapshot models.Snapshot) (bool, error)
}

type Config struct {
	// Trailing window for trends, sentiment and snapshot top words
	Window time.Duration
	// Number of top words kept on a snapshot
	TopWords int
	// Number of words stored per hour bucket
	WordsPerHour int
}

func DefaultConfig() Config {
	return Config{
		Window:       24 * time.Hour,
		TopWords:     10,
		WordsPerHour: 100,
	}
}

// Aggregator derives word frequencies, sentiment and snapshots from posts
type Aggregator struct {
	store     Store
	tokenizer *Tokenizer
	scorer    Scorer
	config    Config
	now       func() time.Time
}

func NewAggregator(store Store, tokenizer *Tokenizer, scorer Scorer, config Config) *Aggregator {
	defaults := DefaultConfig()
	if config.Window < time.Hour {
		config.Window = defaults.Window
	}
	if config.TopWords <= 0 {
		config.TopWords = defaults.TopWords
	}
	if config.WordsPerHour <= 0 {
		config.WordsPerHour = defaults.WordsPerHour
	}

	return &Aggregator{
		store:     store,
		tokenizer: tokenizer,
		scorer:    scorer,
		config:    config,
		now:       time.Now,
	}
}

// WithClock replaces the aggregator's time source
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// UpdateTrends recomputes the word frequencies of every hour bucket in the
// trailing window from the posts created in it. Returns the number of posts
// counted.
func (a *Aggregator) UpdateTrends(ctx context.Context) (int, error) {
	now := a.now()
	currentHour := models.HourBucket(now)
	from := currentHour.Add(-a.config.Window + time.Hour)

	posts, err := a.store.PostsCreatedBetween(ctx, from, currentHour.Add(time.Hour))
	if err != nil {
		return 0, fmt.Errorf("failed to load posts for trends: %w", err)
	}

	counts := CountWordsByHour(a.tokenizer, posts, a.config.WordsPerHour)
	if err := a.store.ReplaceWordFrequencies(ctx, from, currentHour, counts); err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"posts":   len(posts),
		"buckets": len(counts),
		"from":    from,
	}).Debug("Updated word frequencies")

	return len(posts), nil
}

// Sentiment summarizes the polarity of the posts in a trailing window
type Sentiment struct {
	Polarity   float64 `json:"polarity"`
	Label      string  `json:"label"`
	SampleSize int     `json:"sampleSize"`
}

// RecentSentiment scores the posts created in the last window
func (a *Aggregator) RecentSentiment(ctx context.Context, window time.Duration) (Sentiment, error) {
	now := a.now()
	posts, err := a.store.PostsCreatedBetween(ctx, now.Add(-window), now.Add(time.Second))
	if err != nil {
		return Sentiment{}, fmt.Errorf("failed to load posts for sentiment: %w", err)
	}

	polarity := AverageSentiment(a.scorer, posts)
	return Sentiment{
		Polarity:   polarity,
		Label:      SentimentLabel(polarity),
		SampleSize: len(posts),
	}, nil
}

// Rollup appends the snapshot of the current hour bucket. It reports false
// without writing when that bucket or a later one already has a snapshot.
func (a *Aggregator) Rollup(ctx context.Context) (bool, error) {
	now := a.now()
	bucket := models.HourBucket(now).Unix()

	latest, err := a.store.GetLatestSnapshot(ctx)
	switch {
	case err == nil && latest.Bucket >= bucket:
		return false, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return false, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	posts, err := a.store.PostsCreatedBetween(ctx, now.Add(-a.config.Window), now.Add(time.Second))
	if err != nil {
		return false, fmt.Errorf("failed to load posts for snapshot: %w", err)
	}

	stats, err := a.store.GetStats(ctx, now)
	if err != nil {
		return false, fmt.Errorf("failed to load totals for snapshot: %w", err)
	}

	snapshot := models.Snapshot{
		Bucket:          bucket,
		TakenAt:         now.Unix(),
		TotalAgents:     stats.TotalAgents,
		TotalPosts:      stats.TotalPosts,
		TotalComments:   stats.TotalComments,
		TotalSubmolts:   stats.TotalSubmolts,
		ActiveAgents24h: stats.ActiveAgents24h,
		AvgSentiment:    AverageSentiment(a.scorer, posts),
		TopWords:        RankWords(CountWords(a.tokenizer, posts), a.config.TopWords),
	}

	inserted, err := a.store.InsertSnapshot(ctx, snapshot)
	if err != nil {
		return false, err
	}

	if inserted {
		log.WithFields(log.Fields{
			"bucket":    time.Unix(bucket, 0).UTC(),
			"posts":     snapshot.TotalPosts,
			"agents":    snapshot.TotalAgents,
			"sentiment": snapshot.AvgSentiment,
		}).Info("Took snapshot")
	}

	return inserted, nil
}
