package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"observatory/models"
	"observatory/moltbook"

	log "github.com/sirupsen/logrus"
)

const (
	JobPosts    = "posts"
	JobAgents   = "agents"
	JobProfiles = "profiles"
	JobSubmolts = "submolts"
	JobTrends   = "trends"
	JobSnapshot = "snapshot"
	JobTidy     = "tidy"
)

// Store is the part of the entity store the collection jobs write to
type Store interface {
	UpsertPost(ctx context.Context, post models.Post) error
	UpsertAgent(ctx context.Context, agent models.Agent) error
	UpsertSubmolt(ctx context.Context, submolt models.Submolt) error
	TouchAgent(ctx context.Context, id string, name string, at time.Time) (bool, error)
	MarkRefreshed(ctx context.Context, id string, at time.Time) error
	StaleAgents(ctx context.Context, limit int) ([]models.Agent, error)
}

// Detector tags text with a language code, empty when unsure
type Detector interface {
	Detect(text string) string
}

// PostsJob fetches the newest posts, then the hot ones. New posts are
// inserted, known ones get their counters refreshed. Authors the store
// already knows are marked active; unknown authors are left dangling.
type PostsJob struct {
	remote   Remote
	store    Store
	listing  Listing
	sorts    []string
	detector Detector
}

func NewPostsJob(remote Remote, store Store, listing Listing, detector Detector, sorts ...string) *PostsJob {
	if len(sorts) == 0 {
		sorts = []string{"new", "hot"}
	}
	return &PostsJob{remote: remote, store: store, listing: listing, sorts: sorts, detector: detector}
}

func (j *PostsJob) Name() string { return JobPosts }

func (j *PostsJob) Run(ctx context.Context, run *Run) error {
	merge := func(ctx context.Context, raw json.RawMessage, observedAt time.Time) error {
		post, err := models.NormalizePost(raw, observedAt)
		if err != nil {
			return err
		}
		if j.detector != nil {
			post.Language = j.detector.Detect(post.Text())
		}
		if err := j.store.UpsertPost(ctx, post); err != nil {
			return err
		}
		_, err = j.store.TouchAgent(ctx, post.AuthorId, post.AuthorName, observedAt)
		return err
	}

	for _, sort := range j.sorts {
		err := pageThrough(ctx, j.remote, run, walk{
			entity:  models.EntityPosts,
			listing: j.listing,
			opts:    []moltbook.PageOption{moltbook.WithSort(sort)},
		}, merge)
		if err != nil {
			return fmt.Errorf("%s posts: %w", sort, err)
		}
		if run.Stopping() {
			return nil
		}
	}

	// The newest-first window is refetched from the top every run
	run.Cursor = ""
	return nil
}

// AgentsJob re-walks the full agent listing, resuming where a failed walk
// stopped
type AgentsJob struct {
	remote  Remote
	store   Store
	listing Listing
}

func NewAgentsJob(remote Remote, store Store, listing Listing) *AgentsJob {
	return &AgentsJob{remote: remote, store: store, listing: listing}
}

func (j *AgentsJob) Name() string { return JobAgents }

func (j *AgentsJob) Run(ctx context.Context, run *Run) error {
	return pageThrough(ctx, j.remote, run, walk{
		entity:  models.EntityAgents,
		listing: j.listing,
		resume:  run.Previous.Cursor,
	}, func(ctx context.Context, raw json.RawMessage, observedAt time.Time) error {
		agent, err := models.NormalizeAgent(raw, observedAt)
		if err != nil {
			return err
		}
		// A listing entry is not a full profile refresh
		agent.RefreshedAt = 0
		return j.store.UpsertAgent(ctx, agent)
	})
}

// SubmoltsJob re-walks the full submolt listing
type SubmoltsJob struct {
	remote  Remote
	store   Store
	listing Listing
}

func NewSubmoltsJob(remote Remote, store Store, listing Listing) *SubmoltsJob {
	return &SubmoltsJob{remote: remote, store: store, listing: listing}
}

func (j *SubmoltsJob) Name() string { return JobSubmolts }

func (j *SubmoltsJob) Run(ctx context.Context, run *Run) error {
	return pageThrough(ctx, j.remote, run, walk{
		entity:  models.EntitySubmolts,
		listing: j.listing,
		resume:  run.Previous.Cursor,
	}, func(ctx context.Context, raw json.RawMessage, observedAt time.Time) error {
		submolt, err := models.NormalizeSubmolt(raw, observedAt)
		if err != nil {
			return err
		}
		return j.store.UpsertSubmolt(ctx, submolt)
	})
}

// ProfilesJob refreshes the full profile of the agents refreshed longest ago
type ProfilesJob struct {
	remote Remote
	store  Store
	batch  int
}

func NewProfilesJob(remote Remote, store Store, batch int) *ProfilesJob {
	if batch <= 0 {
		batch = 20
	}
	return &ProfilesJob{remote: remote, store: store, batch: batch}
}

func (j *ProfilesJob) Name() string { return JobProfiles }

func (j *ProfilesJob) Run(ctx context.Context, run *Run) error {
	agents, err := j.store.StaleAgents(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("failed to load stale agents: %w", err)
	}

	for _, stale := range agents {
		if run.Stopping() {
			return nil
		}

		raw, err := j.remote.GetAgent(ctx, stale.Name)
		run.Pages++
		switch {
		case errors.Is(err, moltbook.ErrNotFound):
			log.WithField("agent", stale.Name).Debug("Agent profile not found")
			run.Skipped++
			if err := j.store.MarkRefreshed(ctx, stale.Id, run.Now()); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("failed to fetch profile of %s: %w", stale.Name, err)
		}

		agent, err := models.NormalizeAgent(raw, run.Now())
		if err != nil {
			if models.IsMalformed(err) {
				run.Skipped++
				itemsSkippedTotal.WithLabelValues(string(models.EntityAgents)).Inc()
				if err := j.store.MarkRefreshed(ctx, stale.Id, run.Now()); err != nil {
					return err
				}
				continue
			}
			return err
		}
		// The stored key wins so a refresh never forks the agent
		agent.Id = stale.Id

		if err := j.store.UpsertAgent(ctx, agent); err != nil {
			return err
		}
		run.Items++
		itemsMergedTotal.WithLabelValues(string(models.EntityAgents)).Inc()
	}

	return nil
}
