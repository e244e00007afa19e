package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"observatory/models"
	"observatory/moltbook"

	log "github.com/sirupsen/logrus"
)

// Remote is the read-only part of the Moltbook API the jobs use
type Remote interface {
	FetchPage(ctx context.Context, entity models.EntityType, cursor string, pageSize int, opts ...moltbook.PageOption) (*moltbook.Page, error)
	GetAgent(ctx context.Context, name string) (json.RawMessage, error)
}

// Listing bounds one paged walk over a remote listing
type Listing struct {
	PageSize int
	// Safety bound against runaway pagination. Zero means unbounded.
	MaxPages int
}

type walk struct {
	entity  models.EntityType
	listing Listing
	opts    []moltbook.PageOption
	// Start from the cursor of a previous walk that stopped early
	resume string
}

// mergeFunc normalizes and stores one remote item
type mergeFunc func(ctx context.Context, raw json.RawMessage, observedAt time.Time) error

// pageThrough walks a listing page by page and merges every item. It ends
// on an empty or short page, a missing next cursor or the page bound.
// Malformed items are skipped and counted. Any other error stops the walk,
// keeping what was merged, and leaves the failing cursor on the run.
func pageThrough(ctx context.Context, remote Remote, run *Run, w walk, merge mergeFunc) error {
	cursor := w.resume
	if cursor != "" {
		log.WithFields(log.Fields{
			"job":    run.Job,
			"cursor": cursor,
		}).Info("Resuming walk")
	}

	for page := 0; w.listing.MaxPages <= 0 || page < w.listing.MaxPages; page++ {
		if run.Stopping() {
			log.WithField("job", run.Job).Info("Stopping walk for shutdown")
			run.Cursor = cursor
			return nil
		}

		result, err := remote.FetchPage(ctx, w.entity, cursor, w.listing.PageSize, w.opts...)
		if err != nil {
			run.Cursor = cursor
			return fmt.Errorf("failed to fetch %s page %d: %w", w.entity, page+1, err)
		}
		run.Pages++

		observedAt := run.Now()
		for _, raw := range result.Items {
			if err := merge(ctx, raw, observedAt); err != nil {
				if models.IsMalformed(err) {
					run.Skipped++
					itemsSkippedTotal.WithLabelValues(string(w.entity)).Inc()
					log.WithFields(log.Fields{
						"job":   run.Job,
						"error": err,
					}).Debug("Skipping malformed item")
					continue
				}
				run.Cursor = cursor
				return err
			}
			run.Items++
			itemsMergedTotal.WithLabelValues(string(w.entity)).Inc()
		}

		if len(result.Items) == 0 || len(result.Items) < w.listing.PageSize || result.Next == "" {
			run.Cursor = ""
			return nil
		}
		cursor = result.Next
	}

	log.WithFields(log.Fields{
		"job":   run.Job,
		"pages": w.listing.MaxPages,
	}).Warn("Reached page bound")
	run.Cursor = ""
	return nil
}
