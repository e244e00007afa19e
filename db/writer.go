package db

import (
	"context"
	"encoding/json"
	"time"

	"observatory/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Rows per multi-value insert, well below SQLite's variable limit
const insertBatchSize = 300

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.StoreWriteError{Op: op, Err: err}
}

// UpsertPost inserts a post the first time it is seen. Later observations
// only refresh the vote and comment counters, created_at and the author are
// never rewritten.
func (d *DB) UpsertPost(ctx context.Context, post models.Post) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("posts").
		Cols("id", "author_id", "author_name", "submolt_id", "title", "body", "url", "created_at",
			"upvotes", "downvotes", "comment_count", "is_pinned", "language", "first_seen").
		Values(post.Id, post.AuthorId, post.AuthorName, post.SubmoltId, post.Title, post.Body, post.Url, post.CreatedAt,
			post.Upvotes, post.Downvotes, post.CommentCount, post.IsPinned, post.Language, post.FirstSeen)
	ib.SQL(`ON CONFLICT(id) DO UPDATE SET
		upvotes = excluded.upvotes,
		downvotes = excluded.downvotes,
		comment_count = excluded.comment_count,
		is_pinned = excluded.is_pinned,
		language = CASE WHEN excluded.language != '' THEN excluded.language ELSE posts.language END`)

	sql, args := ib.Build()
	_, err := d.writer.ExecContext(ctx, sql, args...)
	return storeError("upsert post "+post.Id, err)
}

// UpsertAgent merges an observed agent. Counters take the latest value,
// first_seen is kept from the first insert and last_active never moves back.
// Optional fields the remote left empty keep what is already stored. A claim
// is never undone, listings that omit is_claimed report it as false.
func (d *DB) UpsertAgent(ctx context.Context, agent models.Agent) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("agents").
		Cols("id", "name", "description", "karma", "follower_count", "following_count", "owner_handle",
			"is_claimed", "avatar_url", "created_at", "first_seen", "last_active", "refreshed_at").
		Values(agent.Id, agent.Name, agent.Description, agent.Karma, agent.FollowerCount, agent.FollowingCount, agent.OwnerHandle,
			agent.IsClaimed, agent.AvatarUrl, agent.CreatedAt, agent.FirstSeen, agent.LastActive, agent.RefreshedAt)
	ib.SQL(`ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = CASE WHEN excluded.description != '' THEN excluded.description ELSE agents.description END,
		karma = excluded.karma,
		follower_count = excluded.follower_count,
		following_count = excluded.following_count,
		owner_handle = CASE WHEN excluded.owner_handle != '' THEN excluded.owner_handle ELSE agents.owner_handle END,
		is_claimed = MAX(agents.is_claimed, excluded.is_claimed),
		avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE agents.avatar_url END,
		created_at = CASE WHEN excluded.created_at != 0 THEN excluded.created_at ELSE agents.created_at END,
		last_active = MAX(agents.last_active, excluded.last_active),
		refreshed_at = MAX(agents.refreshed_at, excluded.refreshed_at)`)

	sql, args := ib.Build()
	_, err := d.writer.ExecContext(ctx, sql, args...)
	return storeError("upsert agent "+agent.Id, err)
}

// TouchAgent moves last_active of a known agent forward. Unknown agents are
// left alone, they get created when an agent listing observes them.
func (d *DB) TouchAgent(ctx context.Context, id string, name string, at time.Time) (bool, error) {
	if id == "" && name == "" {
		return false, nil
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("agents").
		Set("last_active = MAX(last_active, "+ub.Var(at.Unix())+")").
		Where(ub.Or(ub.Equal("id", id), ub.Equal("name", name)))

	sql, args := ub.Build()
	res, err := d.writer.ExecContext(ctx, sql, args...)
	if err != nil {
		return false, storeError("touch agent "+id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, storeError("touch agent "+id, err)
}

// MarkRefreshed records a profile refresh attempt without changing anything
// else, so agents the remote no longer knows do not block the queue
func (d *DB) MarkRefreshed(ctx context.Context, id string, at time.Time) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("agents").
		Set(ub.Assign("refreshed_at", at.Unix())).
		Where(ub.Equal("id", id))

	sql, args := ub.Build()
	_, err := d.writer.ExecContext(ctx, sql, args...)
	return storeError("mark agent refreshed "+id, err)
}

// UpsertSubmolt replaces everything but first_seen
func (d *DB) UpsertSubmolt(ctx context.Context, submolt models.Submolt) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("submolts").
		Cols("id", "name", "display_name", "description", "subscriber_count", "post_count",
			"avatar_url", "banner_url", "first_seen", "updated_at").
		Values(submolt.Id, submolt.Name, submolt.DisplayName, submolt.Description, submolt.SubscriberCount, submolt.PostCount,
			submolt.AvatarUrl, submolt.BannerUrl, submolt.FirstSeen, submolt.UpdatedAt)
	ib.SQL(`ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		display_name = excluded.display_name,
		description = excluded.description,
		subscriber_count = excluded.subscriber_count,
		post_count = excluded.post_count,
		avatar_url = excluded.avatar_url,
		banner_url = excluded.banner_url,
		updated_at = excluded.updated_at`)

	sql, args := ib.Build()
	_, err := d.writer.ExecContext(ctx, sql, args...)
	return storeError("upsert submolt "+submolt.Id, err)
}

// InsertSnapshot appends a snapshot unless its bucket is not after the
// latest stored one. Reports whether a row was written.
func (d *DB) InsertSnapshot(ctx context.Context, snapshot models.Snapshot) (bool, error) {
	topWords, err := json.Marshal(lo.Ternary(snapshot.TopWords == nil, []models.WordCount{}, snapshot.TopWords))
	if err != nil {
		return false, storeError("encode snapshot words", err)
	}

	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return false, storeError("insert snapshot", err)
	}
	defer tx.Rollback()

	var latest int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(bucket), -1) FROM snapshots").Scan(&latest); err != nil {
		return false, storeError("insert snapshot", err)
	}
	if snapshot.Bucket <= latest {
		log.WithFields(log.Fields{
			"bucket": snapshot.Bucket,
			"latest": latest,
		}).Debug("Snapshot bucket already taken")
		return false, nil
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("snapshots").
		Cols("bucket", "taken_at", "total_agents", "total_posts", "total_comments", "total_submolts",
			"active_agents_24h", "avg_sentiment", "top_words").
		Values(snapshot.Bucket, snapshot.TakenAt, snapshot.TotalAgents, snapshot.TotalPosts, snapshot.TotalComments,
			snapshot.TotalSubmolts, snapshot.ActiveAgents24h, snapshot.AvgSentiment, string(topWords))
	ib.SQL("ON CONFLICT(bucket) DO NOTHING")

	sql, args := ib.Build()
	res, err := tx.ExecContext(ctx, sql, args...)
	if err != nil {
		return false, storeError("insert snapshot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError("insert snapshot", err)
	}

	return n > 0, storeError("insert snapshot", tx.Commit())
}

// ReplaceWordFrequencies swaps the word counts of every hour bucket in
// [from, to] for the given ones. Recomputing a bucket never double counts.
func (d *DB) ReplaceWordFrequencies(ctx context.Context, from time.Time, to time.Time, counts map[int64]map[string]int64) error {
	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return storeError("replace word frequencies", err)
	}
	defer tx.Rollback()

	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom("word_frequency").Where(del.Between("hour", models.HourBucket(from).Unix(), models.HourBucket(to).Unix()))
	sql, args := del.Build()
	if _, err := tx.ExecContext(ctx, sql, args...); err != nil {
		return storeError("replace word frequencies", err)
	}

	type row struct {
		word  string
		hour  int64
		count int64
	}
	var rows []row
	for hour, words := range counts {
		for word, count := range words {
			rows = append(rows, row{word: word, hour: hour, count: count})
		}
	}

	for _, chunk := range lo.Chunk(rows, insertBatchSize) {
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto("word_frequency").Cols("word", "hour", "count")
		for _, r := range chunk {
			ib.Values(r.word, r.hour, r.count)
		}
		sql, args := ib.Build()
		if _, err := tx.ExecContext(ctx, sql, args...); err != nil {
			return storeError("replace word frequencies", err)
		}
	}

	return storeError("replace word frequencies", tx.Commit())
}

func (d *DB) RecordJobRun(ctx context.Context, run models.JobRun) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("job_runs").
		Cols("id", "job", "started_at", "finished_at", "items", "skipped", "pages", "error").
		Values(run.Id, run.Job, run.StartedAt, run.FinishedAt, run.Items, run.Skipped, run.Pages, run.Error)

	sql, args := ib.Build()
	_, err := d.writer.ExecContext(ctx, sql, args...)
	return storeError("record job run", err)
}
