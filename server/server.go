package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"observatory/analyzer"
	"observatory/db"
	"observatory/models"
	"observatory/poller"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cache"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Store is the read side of the entity store the API serves from
type Store interface {
	GetStats(ctx context.Context, now time.Time) (models.Stats, error)
	GetRecentPosts(ctx context.Context, since time.Time, limit int) ([]models.Post, error)
	GetAgent(ctx context.Context, name string) (models.Agent, error)
	ListAgents(ctx context.Context, sort string, limit int) ([]models.Agent, error)
	ListSubmolts(ctx context.Context) ([]models.Submolt, error)
	GetTrends(ctx context.Context, now time.Time, hours int, limit int) ([]models.Trend, error)
	GetLatestSnapshot(ctx context.Context) (models.Snapshot, error)
	GetSnapshotSeries(ctx context.Context, from time.Time, to time.Time) ([]models.Snapshot, error)
	ListJobRuns(ctx context.Context, limit int) ([]models.JobRun, error)
	GetWordHistory(ctx context.Context, word string, from time.Time) ([]models.HourCount, error)
	GetTopPosters(ctx context.Context, since time.Time, limit int) ([]models.Poster, error)
	GetActivityByHour(ctx context.Context, since time.Time) ([]models.HourActivity, error)
	GetSubmoltActivity(ctx context.Context, since time.Time, limit int) ([]models.SubmoltActivity, error)
	GetNewAgents(ctx context.Context, since time.Time, limit int) ([]models.Agent, error)
}

type SentimentSource interface {
	RecentSentiment(ctx context.Context, window time.Duration) (analyzer.Sentiment, error)
}

type JobStates interface {
	States() []poller.State
}

type ServerConfig struct {
	// The store to read entities and aggregates from
	Store Store

	// Scores recent posts for /api/sentiment
	Sentiment SentimentSource

	// Scheduler state, nil when polling is disabled
	Jobs JobStates

	// Broadcast channel to pass job runs to SSE clients
	Broadcaster *Broadcaster

	// Comma separated list of origins allowed by CORS
	AllowOrigins string

	// How long GET responses are cached. Zero disables the cache.
	CacheExpiration time.Duration

	// Clock, defaults to time.Now
	Now func() time.Time
}

const (
	defaultLimit = 50
	maxLimit     = 500
	maxHours     = 24 * 30
)

// queryBounded reads an integer query parameter, falling back to def when it
// is missing or not a number and clamping it to [1, max]
func queryBounded(c *fiber.Ctx, key string, def int, max int) int {
	value := c.QueryInt(key, def)
	if value < 1 {
		return def
	}
	return lo.Min([]int{value, max})
}

// analyticsSince reads the optional hours window of the analytics routes.
// Without one the whole store is counted.
func analyticsSince(c *fiber.Ctx, now time.Time) time.Time {
	if c.QueryInt("hours") < 1 {
		return time.Time{}
	}
	return now.Add(-time.Duration(queryBounded(c, "hours", 24, maxHours)) * time.Hour)
}

func internalError(c *fiber.Ctx, what string, err error) error {
	log.WithFields(log.Fields{
		"error": err,
		"path":  c.Path(),
	}).Errorf("Error getting %s", what)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to get " + what})
}

// Returns a fiber.App instance serving the observatory read API
func Server(config *ServerConfig) *fiber.App {
	bc := config.Broadcaster
	if bc == nil {
		bc = NewBroadcaster()
	}

	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	allowOrigins := config.AllowOrigins
	if allowOrigins == "" {
		allowOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Debug("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Cache-Control",
	}))

	if config.CacheExpiration > 0 {
		app.Use(cache.New(cache.Config{
			Expiration: config.CacheExpiration,
			Next: func(c *fiber.Ctx) bool {
				if c.Method() != fiber.MethodGet {
					return true
				}
				// Live views are never cached
				if c.Path() == "/api/events" || c.Path() == "/api/jobs" {
					return true
				}
				return !strings.HasPrefix(c.Path(), "/api/")
			},
			KeyGenerator: func(c *fiber.Ctx) string {
				// Include the query parameters in the cache key
				return c.Request().URI().String()
			},
		}))
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := config.Store.GetStats(c.UserContext(), now())
		if err != nil {
			return internalError(c, "stats", err)
		}
		return c.JSON(stats)
	})

	api.Get("/posts", func(c *fiber.Ctx) error {
		hours := queryBounded(c, "hours", 24, maxHours)
		limit := queryBounded(c, "limit", defaultLimit, maxLimit)

		posts, err := config.Store.GetRecentPosts(c.UserContext(), now().Add(-time.Duration(hours)*time.Hour), limit)
		if err != nil {
			return internalError(c, "posts", err)
		}
		return c.JSON(posts)
	})

	api.Get("/agents", func(c *fiber.Ctx) error {
		limit := queryBounded(c, "limit", defaultLimit, maxLimit)

		agents, err := config.Store.ListAgents(c.UserContext(), c.Query("sort", "karma"), limit)
		if err != nil {
			return internalError(c, "agents", err)
		}
		return c.JSON(agents)
	})

	api.Get("/agents/new", func(c *fiber.Ctx) error {
		limit := queryBounded(c, "limit", 10, maxLimit)
		today := now().UTC().Truncate(24 * time.Hour)

		agents, err := config.Store.GetNewAgents(c.UserContext(), today, limit)
		if err != nil {
			return internalError(c, "new agents", err)
		}
		return c.JSON(agents)
	})

	api.Get("/agents/:name", func(c *fiber.Ctx) error {
		agent, err := config.Store.GetAgent(c.UserContext(), c.Params("name"))
		if errors.Is(err, db.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "agent not found"})
		}
		if err != nil {
			return internalError(c, "agent", err)
		}
		return c.JSON(agent)
	})

	api.Get("/submolts", func(c *fiber.Ctx) error {
		submolts, err := config.Store.ListSubmolts(c.UserContext())
		if err != nil {
			return internalError(c, "submolts", err)
		}
		return c.JSON(submolts)
	})

	api.Get("/trends", func(c *fiber.Ctx) error {
		hours := queryBounded(c, "hours", 24, maxHours)
		limit := queryBounded(c, "limit", 20, maxLimit)

		trends, err := config.Store.GetTrends(c.UserContext(), now(), hours, limit)
		if err != nil {
			return internalError(c, "trends", err)
		}
		return c.JSON(trends)
	})

	api.Get("/trends/history", func(c *fiber.Ctx) error {
		word := strings.ToLower(strings.TrimSpace(c.Query("word")))
		if word == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "word is required"})
		}
		days := queryBounded(c, "days", 7, 30)

		history, err := config.Store.GetWordHistory(c.UserContext(), word, now().Add(-time.Duration(days)*24*time.Hour))
		if err != nil {
			return internalError(c, "word history", err)
		}
		return c.JSON(fiber.Map{
			"word":    word,
			"days":    days,
			"history": history,
		})
	})

	analytics := api.Group("/analytics")

	analytics.Get("/top-posters", func(c *fiber.Ctx) error {
		limit := queryBounded(c, "limit", 20, 100)

		posters, err := config.Store.GetTopPosters(c.UserContext(), analyticsSince(c, now()), limit)
		if err != nil {
			return internalError(c, "top posters", err)
		}
		return c.JSON(posters)
	})

	analytics.Get("/activity-by-hour", func(c *fiber.Ctx) error {
		activity, err := config.Store.GetActivityByHour(c.UserContext(), analyticsSince(c, now()))
		if err != nil {
			return internalError(c, "activity by hour", err)
		}
		return c.JSON(activity)
	})

	analytics.Get("/submolt-activity", func(c *fiber.Ctx) error {
		limit := queryBounded(c, "limit", 20, 100)

		activity, err := config.Store.GetSubmoltActivity(c.UserContext(), analyticsSince(c, now()), limit)
		if err != nil {
			return internalError(c, "submolt activity", err)
		}
		return c.JSON(activity)
	})

	api.Get("/sentiment", func(c *fiber.Ctx) error {
		if config.Sentiment == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "sentiment is not configured"})
		}
		hours := queryBounded(c, "hours", 24, maxHours)

		sentiment, err := config.Sentiment.RecentSentiment(c.UserContext(), time.Duration(hours)*time.Hour)
		if err != nil {
			return internalError(c, "sentiment", err)
		}
		return c.JSON(sentiment)
	})

	api.Get("/snapshots/latest", func(c *fiber.Ctx) error {
		snapshot, err := config.Store.GetLatestSnapshot(c.UserContext())
		if errors.Is(err, db.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no snapshot yet"})
		}
		if err != nil {
			return internalError(c, "snapshot", err)
		}
		return c.JSON(snapshot)
	})

	api.Get("/snapshots", func(c *fiber.Ctx) error {
		hours := queryBounded(c, "hours", 24, maxHours)
		to := now()

		snapshots, err := config.Store.GetSnapshotSeries(c.UserContext(), to.Add(-time.Duration(hours)*time.Hour), to)
		if err != nil {
			return internalError(c, "snapshots", err)
		}
		return c.JSON(snapshots)
	})

	api.Get("/jobs", func(c *fiber.Ctx) error {
		states := []poller.State{}
		if config.Jobs != nil {
			states = config.Jobs.States()
		}

		runs, err := config.Store.ListJobRuns(c.UserContext(), queryBounded(c, "runs", 20, maxLimit))
		if err != nil {
			return internalError(c, "job runs", err)
		}

		return c.JSON(fiber.Map{
			"jobs": states,
			"runs": runs,
		})
	})

	api.Get("/events", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		runs := make(chan models.JobRun, 10)
		aliveChan := time.NewTicker(15 * time.Second)

		bc.AddClient(key, runs)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer aliveChan.Stop()
			defer bc.RemoveClient(key)

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					fmt.Fprintf(w, "event: ping\ndata: \n\n")
					if err := w.Flush(); err != nil {
						log.Debugf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case run, ok := <-runs:
					if !ok {
						return
					}
					data, err := json.Marshal(run)
					if err != nil {
						log.Errorf("Error marshalling job run for client %s: %v", key, err)
						continue
					}
					fmt.Fprintf(w, "event: job-run\ndata: %s\n\n", data)
					if err := w.Flush(); err != nil {
						log.Debugf("Failed to flush job run for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}
