package db

import (
	"context"
	"database/sql"
	"fmt"

	"observatory/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// scanTable streams every row of a table to fn in key order. Returning an
// error from fn stops the scan and is passed through.
func scanTable[T any](ctx context.Context, db *sql.DB, table string, columns []string, key string, scan func(scanner) (T, error), fn func(T) error) error {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(columns...).From(table).OrderBy(key).Asc()
	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return fmt.Errorf("scan error: %w", err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (d *DB) ScanAgents(ctx context.Context, fn func(models.Agent) error) error {
	return scanTable(ctx, d.reader, "agents", agentColumns, "id", scanAgent, fn)
}

func (d *DB) ScanPosts(ctx context.Context, fn func(models.Post) error) error {
	return scanTable(ctx, d.reader, "posts", postColumns, "id", scanPost, fn)
}

func (d *DB) ScanSubmolts(ctx context.Context, fn func(models.Submolt) error) error {
	return scanTable(ctx, d.reader, "submolts", submoltColumns, "id", scanSubmolt, fn)
}

func (d *DB) ScanSnapshots(ctx context.Context, fn func(models.Snapshot) error) error {
	return scanTable(ctx, d.reader, "snapshots", snapshotColumns, "bucket", scanSnapshot, fn)
}
