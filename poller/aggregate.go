package poller

import (
	"context"
	"time"
)

// Aggregator derives trends and snapshots from stored posts
type Aggregator interface {
	UpdateTrends(ctx context.Context) (int, error)
	Rollup(ctx context.Context) (bool, error)
}

type TrendsJob struct {
	aggregator Aggregator
}

func NewTrendsJob(aggregator Aggregator) *TrendsJob {
	return &TrendsJob{aggregator: aggregator}
}

func (j *TrendsJob) Name() string { return JobTrends }

func (j *TrendsJob) Run(ctx context.Context, run *Run) error {
	counted, err := j.aggregator.UpdateTrends(ctx)
	run.Items = counted
	return err
}

// SnapshotJob appends the hourly snapshot. It may run more often than
// hourly, a bucket that already has a snapshot is left alone.
type SnapshotJob struct {
	aggregator Aggregator
}

func NewSnapshotJob(aggregator Aggregator) *SnapshotJob {
	return &SnapshotJob{aggregator: aggregator}
}

func (j *SnapshotJob) Name() string { return JobSnapshot }

func (j *SnapshotJob) Run(ctx context.Context, run *Run) error {
	taken, err := j.aggregator.Rollup(ctx)
	if taken {
		run.Items = 1
	}
	return err
}

// Tidier prunes derived rows older than a retention period
type Tidier interface {
	Tidy(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

type TidyJob struct {
	tidier    Tidier
	retention time.Duration
}

func NewTidyJob(tidier Tidier, retention time.Duration) *TidyJob {
	return &TidyJob{tidier: tidier, retention: retention}
}

func (j *TidyJob) Name() string { return JobTidy }

func (j *TidyJob) Run(ctx context.Context, run *Run) error {
	removed, err := j.tidier.Tidy(ctx, run.Now(), j.retention)
	run.Items = int(removed)
	return err
}
