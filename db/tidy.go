package db

import (
	"context"
	"time"

	sb "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// Tidy removes derived rows that are older than the retention period. Word
// frequencies outside any trend window and old job runs are pruned; posts,
// agents, submolts and snapshots are kept forever.
func (d *DB) Tidy(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).Unix()

	deleteWords := sb.SQLite.NewDeleteBuilder()
	deleteWords.DeleteFrom("word_frequency").Where(deleteWords.LessThan("hour", cutoff))

	deleteRuns := sb.SQLite.NewDeleteBuilder()
	deleteRuns.DeleteFrom("job_runs").Where(deleteRuns.LessThan("started_at", cutoff))

	var removed int64
	for _, builder := range []*sb.DeleteBuilder{deleteWords, deleteRuns} {
		sql, args := builder.Build()

		log.WithFields(log.Fields{
			"sql":  sql,
			"args": args,
		}).Debug("Tidying database")

		res, err := d.writer.ExecContext(ctx, sql, args...)
		if err != nil {
			return removed, storeError("tidy", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	log.WithFields(log.Fields{
		"removed": removed,
		"cutoff":  time.Unix(cutoff, 0).UTC(),
	}).Info("Tidied database")

	return removed, nil
}
