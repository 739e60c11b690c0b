package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lexibooks/api/internal/config"
	"github.com/lexibooks/api/internal/handler"
	"github.com/lexibooks/api/internal/middleware"
	"github.com/lexibooks/api/internal/repository"
	"github.com/lexibooks/api/internal/service"
	ws "github.com/lexibooks/api/internal/websocket"
)

// testApp holds all components needed for testing
type testApp struct {
	app  *fiber.App
	repo *repository.JobRepository
}

// setupApp creates a Fiber app identical to main.go, wired to the local test
// Redis (DB 15). Tests are skipped when Redis is not running; no worker
// server is started, so enqueued jobs stay queued.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	if err := redisClient.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush test DB: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	}
	asynqClient := asynq.NewClient(redisOpt)
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() {
		asynqClient.Close()
		inspector.Close()
		redisClient.FlushDB(context.Background())
		redisClient.Close()
	})

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	queueCfg := &config.QueueConfig{
		Concurrency: 1,
		JobTimeout:  time.Minute,
		MaxRetries:  2,
		Retention:   time.Hour,
		HighLane:    "high",
		NormalLane:  "normal",
		LowLane:     "low",
	}

	repo := repository.NewJobRepository(redisClient, queueCfg.Retention)
	queueService := service.NewQueueService(repo, asynqClient, inspector, hub, queueCfg)

	jobsHandler := handler.NewJobsHandler(queueService, validate)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": true,
			},
		})
	})

	api := app.Group("/api")
	jobs := api.Group("/jobs")
	// Very high rate limit so tests don't get blocked
	jobs.Post("/", rateLimiter.EnqueueLimit(10000), jobsHandler.Enqueue)
	jobs.Get("/stats", jobsHandler.Stats)
	jobs.Get("/", jobsHandler.List)
	jobs.Get("/:jobId", jobsHandler.Status)
	jobs.Get("/:jobId/result", jobsHandler.Result)
	jobs.Post("/:jobId/cancel", jobsHandler.Cancel)
	jobs.Post("/:jobId/retry", jobsHandler.Retry)

	return &testApp{app: app, repo: repo}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus fails the test if the response status doesn't match.
func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, readBody(t, resp))
	}
}
