package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"observatory/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

var (
	postColumns = []string{"id", "author_id", "author_name", "submolt_id", "title", "body", "url", "created_at",
		"upvotes", "downvotes", "comment_count", "is_pinned", "language", "first_seen"}
	agentColumns = []string{"id", "name", "description", "karma", "follower_count", "following_count", "owner_handle",
		"is_claimed", "avatar_url", "created_at", "first_seen", "last_active", "refreshed_at"}
	submoltColumns = []string{"id", "name", "display_name", "description", "subscriber_count", "post_count",
		"avatar_url", "banner_url", "first_seen", "updated_at"}
	snapshotColumns = []string{"bucket", "taken_at", "total_agents", "total_posts", "total_comments", "total_submolts",
		"active_agents_24h", "avg_sentiment", "top_words"}
	jobRunColumns = []string{"id", "job", "started_at", "finished_at", "items", "skipped", "pages", "error"}
)

// Sort orders accepted by ListAgents, mapped to their ORDER BY clause
var agentSorts = map[string]string{
	"karma":          "karma DESC",
	"followers":      "follower_count DESC",
	"follower_count": "follower_count DESC",
	"name":           "name ASC",
	"first_seen":     "first_seen DESC",
	"recent":         "first_seen DESC",
	"last_active":    "last_active DESC",
	"active":         "last_active DESC",
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (models.Post, error) {
	var p models.Post
	err := row.Scan(&p.Id, &p.AuthorId, &p.AuthorName, &p.SubmoltId, &p.Title, &p.Body, &p.Url, &p.CreatedAt,
		&p.Upvotes, &p.Downvotes, &p.CommentCount, &p.IsPinned, &p.Language, &p.FirstSeen)
	return p, err
}

func scanAgent(row scanner) (models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.Id, &a.Name, &a.Description, &a.Karma, &a.FollowerCount, &a.FollowingCount, &a.OwnerHandle,
		&a.IsClaimed, &a.AvatarUrl, &a.CreatedAt, &a.FirstSeen, &a.LastActive, &a.RefreshedAt)
	return a, err
}

func scanSubmolt(row scanner) (models.Submolt, error) {
	var s models.Submolt
	err := row.Scan(&s.Id, &s.Name, &s.DisplayName, &s.Description, &s.SubscriberCount, &s.PostCount,
		&s.AvatarUrl, &s.BannerUrl, &s.FirstSeen, &s.UpdatedAt)
	return s, err
}

func scanSnapshot(row scanner) (models.Snapshot, error) {
	var s models.Snapshot
	var topWords string
	if err := row.Scan(&s.Bucket, &s.TakenAt, &s.TotalAgents, &s.TotalPosts, &s.TotalComments, &s.TotalSubmolts,
		&s.ActiveAgents24h, &s.AvgSentiment, &topWords); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(topWords), &s.TopWords); err != nil {
		return s, fmt.Errorf("failed to decode top words of snapshot %d: %w", s.Bucket, err)
	}
	return s, nil
}

func scanJobRun(row scanner) (models.JobRun, error) {
	var r models.JobRun
	err := row.Scan(&r.Id, &r.Job, &r.StartedAt, &r.FinishedAt, &r.Items, &r.Skipped, &r.Pages, &r.Error)
	return r, err
}

// queryAll runs a select and scans every row with scan
func queryAll[T any](ctx context.Context, db *sql.DB, builder *sqlbuilder.SelectBuilder, scan func(scanner) (T, error)) ([]T, error) {
	query, args := builder.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		result = append(result, item)
	}

	return result, rows.Err()
}

func queryOne[T any](ctx context.Context, db *sql.DB, builder *sqlbuilder.SelectBuilder, scan func(scanner) (T, error)) (T, error) {
	query, args := builder.BuildWithFlavor(sqlbuilder.SQLite)

	item, err := scan(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return item, ErrNotFound
	}
	return item, err
}

// Posts identify their author by id, by name when the remote gave no id
const (
	posterKey = "COALESCE(NULLIF(author_id, ''), author_name)"
	hasPoster = "(author_id != '' OR author_name != '')"
)

// GetStats returns current platform totals and activity counts relative to
// now. An agent counts as active in a window when it authored a post
// created in it.
func (d *DB) GetStats(ctx context.Context, now time.Time) (models.Stats, error) {
	var stats models.Stats

	today := now.UTC().Truncate(24 * time.Hour).Unix()
	err := d.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM posts),
			(SELECT COALESCE(SUM(comment_count), 0) FROM posts),
			(SELECT COUNT(*) FROM submolts),
			(SELECT COUNT(*) FROM posts WHERE created_at >= ?),
			(SELECT COUNT(DISTINCT `+posterKey+`) FROM posts WHERE created_at >= ? AND `+hasPoster+`),
			(SELECT COUNT(DISTINCT `+posterKey+`) FROM posts WHERE created_at >= ? AND `+hasPoster+`)`,
		today, now.Add(-time.Hour).Unix(), now.Add(-24*time.Hour).Unix(),
	).Scan(&stats.TotalAgents, &stats.TotalPosts, &stats.TotalComments, &stats.TotalSubmolts,
		&stats.PostsToday, &stats.ActiveAgents1h, &stats.ActiveAgents24h)
	if err != nil {
		return stats, fmt.Errorf("query error: %w", err)
	}

	return stats, nil
}

// GetRecentPosts returns posts created at or after since, newest first
func (d *DB) GetRecentPosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(postColumns...).From("posts").
		Where(sb.GreaterEqualThan("created_at", since.Unix())).
		OrderBy("created_at").Desc().
		Limit(limit)

	return queryAll(ctx, d.reader, sb, scanPost)
}

// PostsCreatedBetween returns every post created in [from, to)
func (d *DB) PostsCreatedBetween(ctx context.Context, from time.Time, to time.Time) ([]models.Post, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(postColumns...).From("posts").
		Where(sb.GreaterEqualThan("created_at", from.Unix()), sb.LessThan("created_at", to.Unix())).
		OrderBy("created_at").Asc()

	return queryAll(ctx, d.reader, sb, scanPost)
}

// GetAgent looks an agent up by name. If the name was stored more than once
// the most recently active record wins.
func (d *DB) GetAgent(ctx context.Context, name string) (models.Agent, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(agentColumns...).From("agents").
		Where(sb.Equal("name", name)).
		OrderBy("last_active").Desc().
		Limit(1)

	return queryOne(ctx, d.reader, sb, scanAgent)
}

// ListAgents lists agents in one of the known sort orders, karma by default
func (d *DB) ListAgents(ctx context.Context, sort string, limit int) ([]models.Agent, error) {
	order, ok := agentSorts[sort]
	if !ok {
		order = agentSorts["karma"]
	}

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(agentColumns...).From("agents").
		OrderBy(order, "name ASC").
		Limit(limit)

	return queryAll(ctx, d.reader, sb, scanAgent)
}

// StaleAgents returns the agents whose profile was refreshed longest ago
func (d *DB) StaleAgents(ctx context.Context, limit int) ([]models.Agent, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(agentColumns...).From("agents").
		OrderBy("refreshed_at ASC", "name ASC").
		Limit(limit)

	return queryAll(ctx, d.reader, sb, scanAgent)
}

func (d *DB) ListSubmolts(ctx context.Context) ([]models.Submolt, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(submoltColumns...).From("submolts").
		OrderBy("subscriber_count DESC", "name ASC")

	return queryAll(ctx, d.reader, sb, scanSubmolt)
}

// GetTrends sums word frequencies over the trailing window of hours ending
// at now and compares them to the window before it. Words rank by count,
// ties alphabetically.
func (d *DB) GetTrends(ctx context.Context, now time.Time, hours int, limit int) ([]models.Trend, error) {
	if hours < 1 {
		hours = 1
	}
	window := time.Duration(hours) * time.Hour
	currentStart := models.HourBucket(now).Add(-window + time.Hour).Unix()
	previousStart := currentStart - int64(window.Seconds())

	rows, err := d.reader.QueryContext(ctx, `
		SELECT word,
			SUM(CASE WHEN hour >= ? THEN count ELSE 0 END) AS current_count,
			SUM(CASE WHEN hour < ? THEN count ELSE 0 END) AS previous_count
		FROM word_frequency
		WHERE hour >= ?
		GROUP BY word
		HAVING current_count > 0
		ORDER BY current_count DESC, word ASC
		LIMIT ?`,
		currentStart, currentStart, previousStart, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	trends := []models.Trend{}
	for rows.Next() {
		var t models.Trend
		if err := rows.Scan(&t.Word, &t.Count, &t.PreviousCount); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		t.ChangePercent, t.IsNew = changePercent(t.Count, t.PreviousCount)
		trends = append(trends, t)
	}

	return trends, rows.Err()
}

// changePercent compares two window counts. A word absent from the previous
// window is new once it shows up more than twice.
func changePercent(current int64, previous int64) (float64, bool) {
	if previous == 0 {
		return lo.Ternary(current > 2, 100.0, 0.0), current > 2
	}
	return float64(current-previous) / float64(previous) * 100, false
}

// GetWordHistory returns the hourly counts of one word from the bucket of
// from onwards, oldest first. Hours the word did not occur in are absent.
func (d *DB) GetWordHistory(ctx context.Context, word string, from time.Time) ([]models.HourCount, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("hour", "count").From("word_frequency").
		Where(sb.Equal("word", word), sb.GreaterEqualThan("hour", models.HourBucket(from).Unix())).
		OrderBy("hour").Asc()

	return queryAll(ctx, d.reader, sb, func(row scanner) (models.HourCount, error) {
		var h models.HourCount
		err := row.Scan(&h.Hour, &h.Count)
		return h, err
	})
}

// GetTopPosters ranks authors by the number of posts created since, ties by
// name
func (d *DB) GetTopPosters(ctx context.Context, since time.Time, limit int) ([]models.Poster, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(posterKey+" AS poster", "MAX(author_id)", "MAX(author_name) AS name", "COUNT(*) AS post_count",
		"COALESCE(SUM(upvotes), 0)", "COALESCE(SUM(comment_count), 0)").
		From("posts").
		Where(sb.GreaterEqualThan("created_at", since.Unix()), hasPoster).
		GroupBy("poster").
		OrderBy("post_count DESC", "name ASC").
		Limit(limit)

	return queryAll(ctx, d.reader, sb, func(row scanner) (models.Poster, error) {
		var p models.Poster
		var key string
		err := row.Scan(&key, &p.AuthorId, &p.AuthorName, &p.PostCount, &p.TotalUpvotes, &p.TotalComments)
		return p, err
	})
}

// GetActivityByHour counts the posts created since by hour of the UTC day.
// All 24 hours are returned, in order.
func (d *DB) GetActivityByHour(ctx context.Context, since time.Time) ([]models.HourActivity, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("CAST(strftime('%H', created_at, 'unixepoch') AS INTEGER) AS hour_of_day", "COUNT(*)").
		From("posts").
		Where(sb.GreaterEqualThan("created_at", since.Unix())).
		GroupBy("hour_of_day")

	counted, err := queryAll(ctx, d.reader, sb, func(row scanner) (models.HourActivity, error) {
		var h models.HourActivity
		err := row.Scan(&h.Hour, &h.PostCount)
		return h, err
	})
	if err != nil {
		return nil, err
	}

	byHour := lo.SliceToMap(counted, func(h models.HourActivity) (int, int64) {
		return h.Hour, h.PostCount
	})
	return lo.Map(lo.Range(24), func(hour int, _ int) models.HourActivity {
		return models.HourActivity{Hour: hour, PostCount: byHour[hour]}
	}), nil
}

// GetSubmoltActivity ranks submolts by the number of posts created since.
// Posts may name submolts the store has not listed yet; those come without
// a display name.
func (d *DB) GetSubmoltActivity(ctx context.Context, since time.Time, limit int) ([]models.SubmoltActivity, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("posts.submolt_id", "COALESCE(MAX(submolts.display_name), '')", "COUNT(*) AS post_count",
		"COALESCE(SUM(posts.upvotes), 0)", "COALESCE(SUM(posts.comment_count), 0)").
		From("posts").
		JoinWithOption(sqlbuilder.LeftJoin, "submolts", "submolts.id = posts.submolt_id").
		Where(sb.GreaterEqualThan("posts.created_at", since.Unix()), "posts.submolt_id != ''").
		GroupBy("posts.submolt_id").
		OrderBy("post_count DESC", "posts.submolt_id ASC").
		Limit(limit)

	return queryAll(ctx, d.reader, sb, func(row scanner) (models.SubmoltActivity, error) {
		var a models.SubmoltActivity
		err := row.Scan(&a.SubmoltId, &a.DisplayName, &a.PostCount, &a.TotalUpvotes, &a.TotalComments)
		return a, err
	})
}

// GetNewAgents returns the agents first seen at or after since, newest first
func (d *DB) GetNewAgents(ctx context.Context, since time.Time, limit int) ([]models.Agent, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(agentColumns...).From("agents").
		Where(sb.GreaterEqualThan("first_seen", since.Unix())).
		OrderBy("first_seen DESC", "name ASC").
		Limit(limit)

	return queryAll(ctx, d.reader, sb, scanAgent)
}

func (d *DB) GetLatestSnapshot(ctx context.Context) (models.Snapshot, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(snapshotColumns...).From("snapshots").
		OrderBy("bucket").Desc().
		Limit(1)

	return queryOne(ctx, d.reader, sb, scanSnapshot)
}

// GetSnapshotSeries returns snapshots with buckets in [from, to], oldest first
func (d *DB) GetSnapshotSeries(ctx context.Context, from time.Time, to time.Time) ([]models.Snapshot, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(snapshotColumns...).From("snapshots").
		Where(sb.Between("bucket", from.Unix(), to.Unix())).
		OrderBy("bucket").Asc()

	return queryAll(ctx, d.reader, sb, scanSnapshot)
}

// ListJobRuns returns the latest scheduler runs, newest first
func (d *DB) ListJobRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(jobRunColumns...).From("job_runs").
		OrderBy("started_at").Desc().
		Limit(limit)

	return queryAll(ctx, d.reader, sb, scanJobRun)
}
