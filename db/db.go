package db

import (
	"errors"
	"fmt"

	"database/sql"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by single entity lookups that match nothing
var ErrNotFound = errors.New("not found")

// DB is the entity store. Writes go through a single connection so counter
// updates are serialized, reads use a separate query-only pool.
type DB struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// Open migrates the database at path and opens the writer and reader pools
func Open(path string) (*DB, error) {
	if err := Migrate(path); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	writer, err := writerConnection(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}

	reader, err := readerConnection(path)
	if err != nil {
		writer.Close()
		return nil, err
	}

	log.WithField("database", path).Info("Opened database")

	return &DB{path: path, writer: writer, reader: reader}, nil
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	return errors.Join(d.reader.Close(), d.writer.Close())
}
