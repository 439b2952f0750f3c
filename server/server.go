package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedsync/feed"
	"feedsync/models"
	"feedsync/query"

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

const (
	maxLimit      = 500
	keepAlive     = 5 * time.Second
	recordsMaxAge = 5 * time.Second
)

// FeedSynchronizer runs synchronization sessions, see feed.Synchronizer
type FeedSynchronizer interface {
	Synchronize(ctx context.Context, viewerId string, limit int, lookback time.Duration) <-chan models.FeedBatch
	LoadMore(ctx context.Context, followedIds []string, until int64, limit int) (models.FeedBatch, error)
}

// RecordReader reads records from the persistent store
type RecordReader interface {
	Query(ctx context.Context, limit int, filters ...query.FilterStrategy) ([]models.RawRecord, error)
}

type ServerConfig struct {
	Synchronizer FeedSynchronizer
	Resolver     feed.FollowResolver
	Reader       RecordReader

	// Running SSE sessions, cancellable by key
	Sessions *Sessions

	// Session defaults when the request does not set them
	Limit    int
	Lookback time.Duration

	// Origins allowed by CORS, "*" when empty
	AllowOrigins string
}

// doneEvent closes an SSE stream with the outcome of the session
type doneEvent struct {
	State   string `json:"state"`
	Items   int    `json:"items"`
	HasMore bool   `json:"hasMore"`
	Error   string `json:"error,omitempty"`
}

// Returns a fiber.App instance serving feed sessions, record queries and metrics
func Server(config *ServerConfig) *fiber.App {
	sessions := config.Sessions
	if sessions == nil {
		sessions = NewSessions()
	}
	if config.Limit <= 0 {
		config.Limit = feed.DefaultLimit
	}
	if config.Lookback <= 0 {
		config.Lookback = feed.DefaultLookback
	}
	if config.AllowOrigins == "" {
		config.AllowOrigins = "*"
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		// Compression buffers the stream
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/sse")
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowOrigins,
		AllowHeaders: "Cache-Control",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Delete("/feed/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		if !sessions.Remove(key) {
			return c.Status(fiber.StatusNotFound).SendString("Unknown session")
		}
		return c.Status(fiber.StatusOK).SendString("OK")
	})

	app.Get("/feed/:viewer/sse", func(c *fiber.Ctx) error {
		viewer := c.Params("viewer")
		limit, err := parseLimit(c.Query("limit"), config.Limit)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}
		lookback, err := time.ParseDuration(c.Query("lookback", config.Lookback.String()))
		if err != nil || lookback <= 0 {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid lookback")
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// The session outlives the handler, it ends with the stream or on DELETE
		key := uuid.New().String()
		ctx, cancel := context.WithCancel(context.Background())
		sessions.Add(key, cancel)
		batches := config.Synchronizer.Synchronize(ctx, viewer, limit, lookback)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			aliveChan := time.NewTicker(keepAlive)
			defer aliveChan.Stop()
			defer func() {
				log.Infof("Cleaning up SSE stream for session: %s", key)
				sessions.Remove(key)
			}()

			if err := writeEvent(w, "init", []byte(key)); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			state := models.FeedState{}
			for {
				select {
				case <-aliveChan.C:
					if err := writeEvent(w, "ping", nil); err != nil {
						log.Warnf("Failed to send ping to session %s: %v", key, err)
						return
					}

				case batch, ok := <-batches:
					if !ok {
						done, _ := json.Marshal(doneEvent{
							State:   state.Kind.String(),
							Items:   len(state.Items),
							HasMore: state.HasMore,
							Error:   state.Error,
						})
						if err := writeEvent(w, "done", done); err != nil {
							log.Warnf("Failed to send done event to session %s: %v", key, err)
						}
						return
					}

					state = state.Apply(batch)
					data, err := json.Marshal(batch)
					if err != nil {
						log.Errorf("Error marshalling batch for session %s: %v", key, err)
						continue
					}
					if err := writeEvent(w, "batch", data); err != nil {
						log.Warnf("Failed to send batch to session %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	app.Get("/feed/:viewer/more", func(c *fiber.Ctx) error {
		viewer := c.Params("viewer")
		until, err := strconv.ParseInt(c.Query("until", ""), 10, 64)
		if err != nil || until <= 0 {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid until")
		}
		limit, err := parseLimit(c.Query("limit"), feed.DefaultLoadMoreLimit)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}

		failed := func(err error) error {
			log.WithFields(log.Fields{
				"viewer": viewer,
				"error":  err,
			}).Error("Error loading more")
			return c.Status(fiber.StatusBadGateway).JSON(models.FeedBatch{
				Items:      []models.FeedItem{},
				IsComplete: true,
				Error:      err.Error(),
			})
		}

		follows, err := config.Resolver.ResolveFollowedIds(c.UserContext(), viewer)
		if err != nil {
			return failed(err)
		}
		batch, err := config.Synchronizer.LoadMore(c.UserContext(), follows, until, limit)
		if err != nil {
			return failed(err)
		}
		return c.JSON(batch)
	})

	app.Use("/records", cache.New(cache.Config{
		Expiration: recordsMaxAge,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.Request().URI().String()
		},
	}))

	app.Get("/records", func(c *fiber.Ctx) error {
		limit, err := parseLimit(c.Query("limit"), feed.DefaultLimit)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}
		kinds, err := parseInts(c.Query("kind"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid kind")
		}
		since, err := parseTimestamp(c.Query("since"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid since")
		}
		until, err := parseTimestamp(c.Query("until"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Invalid until")
		}

		records, err := config.Reader.Query(c.UserContext(), limit, query.FromModel(kinds, splitList(c.Query("author")), since, until)...)
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Error querying records")
			return c.Status(fiber.StatusInternalServerError).SendString("Error querying records")
		}

		log.WithFields(log.Fields{
			"count": len(records),
		}).Debug("Query records")

		return c.JSON(records)
	})

	return app
}

func writeEvent(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

// parseLimit falls back to def when value is empty and caps the result at maxLimit
func parseLimit(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	limit, err := strconv.ParseInt(value, 0, 32)
	if err != nil || limit < 1 {
		return 0, errors.New("Invalid limit")
	}
	return min(int(limit), maxLimit), nil
}

func parseTimestamp(value string) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func splitList(value string) []string {
	return lo.Compact(lo.Map(strings.Split(value, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

func parseInts(value string) ([]int, error) {
	ints := []int{}
	for _, s := range splitList(value) {
		i, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		ints = append(ints, i)
	}
	return ints, nil
}
