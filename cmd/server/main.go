package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/config"
	"github.com/lexibooks/api/internal/handler"
	"github.com/lexibooks/api/internal/janitor"
	"github.com/lexibooks/api/internal/middleware"
	"github.com/lexibooks/api/internal/pipeline"
	"github.com/lexibooks/api/internal/repository"
	"github.com/lexibooks/api/internal/service"
	"github.com/lexibooks/api/internal/worker"
	ws "github.com/lexibooks/api/internal/websocket"
	"github.com/lexibooks/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client and inspector
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	llmClient := client.NewLLMClient(&cfg.LLM)
	ttsClient := client.NewTTSClient(&cfg.TTS)

	// Storage is optional; stages fall back to mocks without it
	var storageClient client.StorageClient
	if s3Client, err := client.NewS3Client(&cfg.Storage); err != nil {
		log.Println("Info: object storage not configured, pipeline runs with mock data")
	} else {
		storageClient = s3Client
	}

	// Initialize repository and services
	repo := repository.NewJobRepository(redisClient, cfg.Queue.Retention)
	queueService := service.NewQueueService(repo, asynqClient, inspector, hub, &cfg.Queue)

	// Initialize handlers
	jobsHandler := handler.NewJobsHandler(queueService, validate)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"llm":     llmClient.IsConfigured(),
				"tts":     ttsClient.IsConfigured(),
				"storage": storageClient != nil,
			},
		})
	})

	// Job routes
	api := app.Group("/api")
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.EnqueueLimit(cfg.RateLimit.EnqueuePerMin), jobsHandler.Enqueue)
	jobs.Get("/stats", jobsHandler.Stats)
	jobs.Get("/", jobsHandler.List)
	jobs.Get("/:jobId", jobsHandler.Status)
	jobs.Get("/:jobId/result", jobsHandler.Result)
	jobs.Post("/:jobId/cancel", jobsHandler.Cancel)
	jobs.Post("/:jobId/retry", jobsHandler.Retry)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start the index janitor
	jan := janitor.New(repo)
	if err := jan.Start(); err != nil {
		log.Printf("Warning: janitor not started: %v", err)
	}
	defer jan.Stop()

	// Start the worker server pulling from the priority lanes
	go startWorkerServer(cfg, redisOpt, repo, hub, llmClient, ttsClient, storageClient)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	redisOpt asynq.RedisClientOpt,
	repo *repository.JobRepository,
	hub *ws.Hub,
	llmClient *client.LLMClient,
	ttsClient *client.TTSClient,
	storageClient client.StorageClient,
) {
	asynqLogLevel := asynq.InfoLevel
	switch {
	case strings.EqualFold(cfg.Server.LogLevel, "debug"):
		asynqLogLevel = asynq.DebugLevel
	case strings.EqualFold(cfg.Server.LogLevel, "warn"):
		asynqLogLevel = asynq.WarnLevel
	case strings.EqualFold(cfg.Server.LogLevel, "error"):
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues:      cfg.Queue.Lanes(),
			LogLevel:    asynqLogLevel,
		},
	)

	dispatcher := worker.NewDispatcher(repo, hub,
		pipeline.NewExtractionStage(storageClient),
		pipeline.NewSegmentationStage(llmClient, storageClient),
		pipeline.NewTopicAnalysisStage(llmClient, storageClient),
		pipeline.NewVocabularyStage(llmClient, storageClient),
		pipeline.NewAudioGenerationStage(ttsClient, storageClient),
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeProcess, dispatcher.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(response.ErrorResponse{
		Error: response.ErrorDetail{
			Code:    response.CodeServiceError,
			Message: message,
		},
	})
}
