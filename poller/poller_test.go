package poller_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"observatory/db"
	"observatory/models"
	"observatory/moltbook"
	"observatory/poller"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "observatory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeRemote serves fixed listings with offset cursors and can fail a
// number of times at a given offset
type fakeRemote struct {
	mu       sync.Mutex
	listings map[models.EntityType][]string
	profiles map[string]string
	failAt   map[models.EntityType]int
	failures int
	// Called after every served page
	afterFetch func()
}

func (f *fakeRemote) FetchPage(ctx context.Context, entity models.EntityType, cursor string, pageSize int, opts ...moltbook.PageOption) (*moltbook.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	if at, ok := f.failAt[entity]; ok && at == offset && f.failures > 0 {
		f.failures--
		return nil, &models.TransientFetchError{Entity: entity, Attempts: 3, Err: errors.New("bad gateway")}
	}

	items := f.listings[entity]
	end := min(offset+pageSize, len(items))
	page := &moltbook.Page{}
	for _, item := range items[min(offset, len(items)):end] {
		page.Items = append(page.Items, json.RawMessage(item))
	}
	if len(page.Items) == pageSize {
		page.Next = strconv.Itoa(end)
	}
	if f.afterFetch != nil {
		f.afterFetch()
	}
	return page, nil
}

func (f *fakeRemote) GetAgent(ctx context.Context, name string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	profile, ok := f.profiles[name]
	if !ok {
		return nil, fmt.Errorf("/agents/profile: %w", moltbook.ErrNotFound)
	}
	return json.RawMessage(profile), nil
}

func agentJSON(i int) string {
	return fmt.Sprintf(`{"id":"a%d","name":"agent%d","karma":%d}`, i, i, i*10)
}

func TestStartupRunFillsStoreBeforeFirstTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/submolts":
			fmt.Fprint(w, `{"success":true,"submolts":[{"name":"general","subscriber_count":12}]}`)
		case "/posts":
			fmt.Fprint(w, `{"success":true,"posts":[{"id":"p1","title":"Hello molt","created_at":"2026-02-01T10:00:00Z","author":{"id":"a1","name":"alice"},"submolt":{"name":"general"}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := openTestDB(t)
	client := moltbook.NewClient(moltbook.ClientConfig{BaseURL: server.URL, APIKey: "secret"})
	listing := poller.Listing{PageSize: 50, MaxPages: 2}

	scheduler := poller.NewScheduler(poller.WithRecorder(store))
	scheduler.Register(poller.NewSubmoltsJob(client, store, listing), time.Hour)
	scheduler.Register(poller.NewPostsJob(client, store, listing, nil), time.Hour)

	require.NoError(t, scheduler.Start(context.Background(), poller.JobSubmolts, poller.JobPosts))
	defer scheduler.Stop()

	stats, err := store.GetStats(context.Background(), time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalSubmolts, int64(1))
	assert.GreaterOrEqual(t, stats.TotalPosts, int64(1))

	for _, state := range scheduler.States() {
		assert.Equal(t, poller.StatusIdle, state.Status)
		assert.Equal(t, 1, state.Runs)
	}

	runs, err := store.ListJobRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestStartupFetchStopsBetweenPagesWhenCancelled(t *testing.T) {
	store := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fetched int32
	remote := &fakeRemote{listings: map[models.EntityType][]string{}}
	for i := 0; i < 10; i++ {
		remote.listings[models.EntityAgents] = append(remote.listings[models.EntityAgents], agentJSON(i))
	}
	remote.afterFetch = func() {
		if atomic.AddInt32(&fetched, 1) == 1 {
			// A signal arriving while the first page is in flight
			cancel()
			time.Sleep(50 * time.Millisecond)
		}
	}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewAgentsJob(remote, store, poller.Listing{PageSize: 1}), time.Hour)

	err := scheduler.Start(ctx, poller.JobAgents)
	assert.ErrorIs(t, err, poller.ErrStopped)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetched))

	state := stateOf(t, scheduler, poller.JobAgents)
	assert.Equal(t, poller.StatusIdle, state.Status)
	assert.Equal(t, 1, state.LastItems)
	assert.Equal(t, "1", state.Cursor)

	agents, err := store.ListAgents(context.Background(), "name", 100)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	// Stop after a cancelled start returns at once
	scheduler.Stop()
	_, err = scheduler.RunNow(context.Background(), poller.JobAgents)
	assert.ErrorIs(t, err, poller.ErrStopped)
}

func TestStartAfterCancelledContextRunsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runs int32
	scheduler := poller.NewScheduler()
	scheduler.Register(&funcJob{name: "first", run: func(ctx context.Context, run *poller.Run) error {
		// Leaves time for the cancellation to be noticed
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&runs, 1)
		return nil
	}}, time.Hour)
	scheduler.Register(&funcJob{name: "second", run: func(ctx context.Context, run *poller.Run) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}, time.Hour)

	err := scheduler.Start(ctx, "first", "second")
	assert.ErrorIs(t, err, poller.ErrStopped)
	assert.LessOrEqual(t, atomic.LoadInt32(&runs), int32(1))
	scheduler.Stop()
}

func TestAgentsJobTwiceOverTheSameListingChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	remote := &fakeRemote{listings: map[models.EntityType][]string{
		models.EntityAgents: {
			`{"id":"a1","name":"alice","description":"Collects shells","karma":12,"follower_count":3,"is_claimed":true}`,
			`{"id":"a2","name":"bob","karma":5}`,
			`{"id":"a3","name":"carol","karma":40,"owner":{"x_handle":"carol_x"}}`,
		},
	}}

	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	scheduler := poller.NewScheduler(poller.WithClock(func() time.Time { return clock }))
	scheduler.Register(poller.NewAgentsJob(remote, store, poller.Listing{PageSize: 2}), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	require.Empty(t, state.LastError)
	first, err := store.ListAgents(ctx, "name", 100)
	require.NoError(t, err)
	require.Len(t, first, 3)

	state, err = scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	require.Empty(t, state.LastError)
	assert.Equal(t, 3, state.LastItems)
	second, err := store.ListAgents(ctx, "name", 100)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A later walk only moves last_active
	clock = clock.Add(time.Hour)
	_, err = scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	third, err := store.ListAgents(ctx, "name", 100)
	require.NoError(t, err)
	require.Len(t, third, 3)
	for i := range third {
		assert.Equal(t, first[i].FirstSeen, third[i].FirstSeen)
		assert.Equal(t, clock.Unix(), third[i].LastActive)
		third[i].LastActive = first[i].LastActive
	}
	assert.Equal(t, first, third)
}

func TestSubmoltsJobTwiceOverTheSameListingChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	remote := &fakeRemote{listings: map[models.EntityType][]string{
		models.EntitySubmolts: {
			`{"name":"general","display_name":"General","subscriber_count":120}`,
			`{"name":"shells","description":"Shell talk","subscriber_count":8}`,
			`{"name":"molting","subscriber_count":30}`,
		},
	}}

	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	scheduler := poller.NewScheduler(poller.WithClock(func() time.Time { return clock }))
	scheduler.Register(poller.NewSubmoltsJob(remote, store, poller.Listing{PageSize: 2}), time.Hour)

	_, err := scheduler.RunNow(ctx, poller.JobSubmolts)
	require.NoError(t, err)
	first, err := store.ListSubmolts(ctx)
	require.NoError(t, err)
	require.Len(t, first, 3)

	_, err = scheduler.RunNow(ctx, poller.JobSubmolts)
	require.NoError(t, err)
	second, err := store.ListSubmolts(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	clock = clock.Add(time.Hour)
	_, err = scheduler.RunNow(ctx, poller.JobSubmolts)
	require.NoError(t, err)
	third, err := store.ListSubmolts(ctx)
	require.NoError(t, err)
	require.Len(t, third, 3)
	for i := range third {
		assert.Equal(t, first[i].FirstSeen, third[i].FirstSeen)
		assert.Equal(t, clock.Unix(), third[i].UpdatedAt)
		third[i].UpdatedAt = first[i].UpdatedAt
	}
	assert.Equal(t, first, third)

	stats, err := store.GetStats(ctx, clock)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalSubmolts)
}

func TestAgentsJobKeepsPartialProgressAndResumes(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	remote := &fakeRemote{
		listings: map[models.EntityType][]string{},
		failAt:   map[models.EntityType]int{models.EntityAgents: 2},
		failures: 1,
	}
	for i := 0; i < 10; i++ {
		remote.listings[models.EntityAgents] = append(remote.listings[models.EntityAgents], agentJSON(i))
	}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewAgentsJob(remote, store, poller.Listing{PageSize: 2, MaxPages: 10}), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	assert.Equal(t, poller.StatusFailed, state.Status)
	assert.Contains(t, state.LastError, "page 2")
	assert.Equal(t, 2, state.LastItems)
	assert.Equal(t, "2", state.Cursor)

	agents, err := store.ListAgents(ctx, "name", 100)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	state, err = scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	assert.Equal(t, poller.StatusIdle, state.Status)
	assert.Empty(t, state.Cursor)
	assert.Equal(t, 8, state.LastItems)
	assert.Equal(t, 1, state.Failures)

	agents, err = store.ListAgents(ctx, "name", 100)
	require.NoError(t, err)
	assert.Len(t, agents, 10)
}

func TestDanglingAuthorIsBackfilledWithoutTouchingThePost(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	remote := &fakeRemote{listings: map[models.EntityType][]string{
		models.EntityPosts: {
			`{"id":"p1","title":"First","created_at":"2026-02-01T10:00:00Z","upvotes":4,"author":{"id":"a9","name":"newcomer"},"submolt":"nowhere"}`,
		},
		models.EntityAgents: {
			`{"id":"a9","name":"newcomer","karma":7}`,
		},
	}}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewPostsJob(remote, store, poller.Listing{PageSize: 10, MaxPages: 1}, nil, "new"), time.Hour)
	scheduler.Register(poller.NewAgentsJob(remote, store, poller.Listing{PageSize: 10, MaxPages: 1}), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobPosts)
	require.NoError(t, err)
	require.Empty(t, state.LastError)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before, err := store.GetRecentPosts(ctx, since, 10)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "a9", before[0].AuthorId)

	_, err = store.GetAgent(ctx, "newcomer")
	assert.ErrorIs(t, err, db.ErrNotFound)

	state, err = scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	require.Empty(t, state.LastError)

	agent, err := store.GetAgent(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(7), agent.Karma)

	after, err := store.GetRecentPosts(ctx, since, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPostsJobSkipsMalformedItemsAndTouchesKnownAuthors(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	require.NoError(t, store.UpsertAgent(ctx, models.Agent{Id: "a1", Name: "alice", FirstSeen: 1, LastActive: 1}))

	remote := &fakeRemote{listings: map[models.EntityType][]string{
		models.EntityPosts: {
			`{"id":"p1","title":"ok","created_at":"2026-02-01T10:00:00Z","author":{"id":"a1","name":"alice"}}`,
			`{"title":"no id","created_at":"2026-02-01T10:00:00Z"}`,
			`{"id":"p3","title":"no date"}`,
			`{"id":"p4","title":"also ok","created_at":"2026-02-01T11:00:00Z","author":"bob"}`,
		},
	}}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewPostsJob(remote, store, poller.Listing{PageSize: 10, MaxPages: 1}, nil, "new"), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobPosts)
	require.NoError(t, err)
	assert.Equal(t, poller.StatusIdle, state.Status)
	assert.Equal(t, 2, state.LastItems)
	assert.Equal(t, 2, state.LastSkipped)
	assert.Equal(t, 1, state.LastPages)

	agent, err := store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Greater(t, agent.LastActive, int64(1))

	stats, err := store.GetStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAgents)
	assert.Equal(t, int64(2), stats.TotalPosts)
}

func TestPagingStopsAtPageBound(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	remote := &fakeRemote{listings: map[models.EntityType][]string{}}
	for i := 0; i < 10; i++ {
		remote.listings[models.EntityAgents] = append(remote.listings[models.EntityAgents], agentJSON(i))
	}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewAgentsJob(remote, store, poller.Listing{PageSize: 2, MaxPages: 3}), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobAgents)
	require.NoError(t, err)
	assert.Equal(t, 3, state.LastPages)
	assert.Equal(t, 6, state.LastItems)
	assert.Empty(t, state.Cursor)
}

func TestProfilesJobRefreshesStaleAgents(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	require.NoError(t, store.UpsertAgent(ctx, models.Agent{Id: "alice", Name: "alice", Karma: 1, FirstSeen: 1, LastActive: 1}))
	require.NoError(t, store.UpsertAgent(ctx, models.Agent{Id: "ghost", Name: "ghost", FirstSeen: 1, LastActive: 1}))

	remote := &fakeRemote{profiles: map[string]string{
		"alice": `{"id":"uuid-alice","name":"alice","karma":99,"owner":{"x_handle":"alice_x"}}`,
	}}

	scheduler := poller.NewScheduler()
	scheduler.Register(poller.NewProfilesJob(remote, store, 10), time.Hour)

	state, err := scheduler.RunNow(ctx, poller.JobProfiles)
	require.NoError(t, err)
	assert.Equal(t, poller.StatusIdle, state.Status)
	assert.Equal(t, 1, state.LastItems)
	assert.Equal(t, 1, state.LastSkipped)

	agent, err := store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", agent.Id)
	assert.Equal(t, int64(99), agent.Karma)
	assert.Equal(t, "alice_x", agent.OwnerHandle)
	assert.Equal(t, int64(1), agent.FirstSeen)

	stale, err := store.StaleAgents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	for _, agent := range stale {
		assert.NotZero(t, agent.RefreshedAt)
	}
}

// funcJob adapts a function to the Job interface
type funcJob struct {
	name string
	run  func(ctx context.Context, run *poller.Run) error
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) Run(ctx context.Context, run *poller.Run) error { return j.run(ctx, run) }

func stateOf(t *testing.T, scheduler *poller.Scheduler, name string) poller.State {
	t.Helper()
	for _, state := range scheduler.States() {
		if state.Name == name {
			return state
		}
	}
	t.Fatalf("no state for job %s", name)
	return poller.State{}
}

func TestSchedulerNeverOverlapsAJob(t *testing.T) {
	var running, overlaps, runs int32

	scheduler := poller.NewScheduler()
	scheduler.Register(&funcJob{name: "slow", run: func(ctx context.Context, run *poller.Run) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(60 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&runs, 1)
		return nil
	}}, 10*time.Millisecond)

	require.NoError(t, scheduler.Start(context.Background()))
	time.Sleep(300 * time.Millisecond)
	scheduler.Stop()

	assert.Zero(t, atomic.LoadInt32(&overlaps))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
	assert.Positive(t, stateOf(t, scheduler, "slow").DroppedTicks)
}

func TestFailingJobsDoNotStopOthers(t *testing.T) {
	var healthy int32

	scheduler := poller.NewScheduler()
	scheduler.Register(&funcJob{name: "panics", run: func(ctx context.Context, run *poller.Run) error {
		panic("boom")
	}}, 10*time.Millisecond)
	scheduler.Register(&funcJob{name: "fatal", run: func(ctx context.Context, run *poller.Run) error {
		return &models.FatalConfigError{Status: http.StatusUnauthorized, Err: errors.New("unauthorized")}
	}}, 10*time.Millisecond)
	scheduler.Register(&funcJob{name: "healthy", run: func(ctx context.Context, run *poller.Run) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	}}, 10*time.Millisecond)

	require.NoError(t, scheduler.Start(context.Background(), "fatal"))
	time.Sleep(200 * time.Millisecond)
	scheduler.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&healthy), int32(3))

	panics := stateOf(t, scheduler, "panics")
	assert.Equal(t, poller.StatusFailed, panics.Status)
	assert.Contains(t, panics.LastError, "boom")
	assert.Equal(t, panics.Runs, panics.Failures)

	fatal := stateOf(t, scheduler, "fatal")
	assert.Equal(t, poller.StatusFailed, fatal.Status)
	assert.GreaterOrEqual(t, fatal.Runs, 2)
}

func TestStopLetsTheRunningPageFinish(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var finished, sawStop atomic.Bool

	scheduler := poller.NewScheduler()
	scheduler.Register(&funcJob{name: "walker", run: func(ctx context.Context, run *poller.Run) error {
		once.Do(func() { close(started) })
		for page := 0; page < 100; page++ {
			if run.Stopping() {
				sawStop.Store(true)
				break
			}
			// A page that must not be cut off
			time.Sleep(20 * time.Millisecond)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		finished.Store(true)
		return nil
	}}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Start(ctx))

	<-started
	cancel()
	scheduler.Stop()

	assert.True(t, finished.Load())
	assert.True(t, sawStop.Load())

	_, err := scheduler.RunNow(context.Background(), "walker")
	assert.ErrorIs(t, err, poller.ErrStopped)
}

func TestRunNowErrors(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	scheduler := poller.NewScheduler()
	scheduler.Register(&funcJob{name: "blocking", run: func(ctx context.Context, run *poller.Run) error {
		close(entered)
		<-release
		return nil
	}}, time.Hour)

	_, err := scheduler.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, poller.ErrUnknownJob)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.RunNow(context.Background(), "blocking")
	}()

	<-entered
	_, err = scheduler.RunNow(context.Background(), "blocking")
	assert.ErrorIs(t, err, poller.ErrAlreadyRunning)
	assert.Equal(t, poller.StatusRunning, stateOf(t, scheduler, "blocking").Status)

	close(release)
	<-done
	assert.Equal(t, poller.StatusIdle, stateOf(t, scheduler, "blocking").Status)
}

func TestRunsAreRecorded(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)

	scheduler := poller.NewScheduler(poller.WithRecorder(store))
	scheduler.Register(&funcJob{name: "counts", run: func(ctx context.Context, run *poller.Run) error {
		run.Items = 3
		run.Skipped = 1
		return errors.New("store unavailable")
	}}, time.Hour)

	_, err := scheduler.RunNow(ctx, "counts")
	require.NoError(t, err)

	runs, err := store.ListJobRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "counts", runs[0].Job)
	assert.Equal(t, 3, runs[0].Items)
	assert.Equal(t, 1, runs[0].Skipped)
	assert.Equal(t, "store unavailable", runs[0].Error)
	assert.NotEmpty(t, runs[0].Id)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	scheduler := poller.NewScheduler()
	job := &funcJob{name: "once", run: func(context.Context, *poller.Run) error { return nil }}
	scheduler.Register(job, time.Minute)

	assert.Panics(t, func() { scheduler.Register(job, time.Minute) })
	assert.Panics(t, func() {
		scheduler.Register(&funcJob{name: "zero", run: job.run}, 0)
	})
}
