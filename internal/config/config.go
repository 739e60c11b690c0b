package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lexibooks/api/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Queue     QueueConfig
	LLM       LLMConfig
	TTS       TTSConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Concurrency int
	JobTimeout  time.Duration
	MaxRetries  int // transport-level retries, not the user-facing retry operation
	Retention   time.Duration
	HighLane    string
	NormalLane  string
	LowLane     string
}

// LaneFor maps a job priority to its dispatch lane.
func (c *QueueConfig) LaneFor(p model.JobPriority) string {
	switch p {
	case model.PriorityHigh:
		return c.HighLane
	case model.PriorityLow:
		return c.LowLane
	default:
		return c.NormalLane
	}
}

// Lanes returns the asynq queue map. The weights bias workers toward the
// high lane without letting a bulk low-priority burst starve it entirely.
func (c *QueueConfig) Lanes() map[string]int {
	return map[string]int{
		c.HighLane:   6,
		c.NormalLane: 3,
		c.LowLane:    1,
	}
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type TTSConfig struct {
	ServiceURL string
	Timeout    int // seconds
	Voice      string
}

type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Region          string
}

type RateLimitConfig struct {
	EnqueuePerMin int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("LLM_API_KEY")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = viper.BindEnv("queue.job_timeout_minutes", "QUEUE_JOB_TIMEOUT_MINUTES")
	_ = viper.BindEnv("queue.max_retries", "QUEUE_MAX_RETRIES")
	_ = viper.BindEnv("queue.retention_hours", "QUEUE_RETENTION_HOURS")
	_ = viper.BindEnv("queue.high_lane", "QUEUE_HIGH_LANE")
	_ = viper.BindEnv("queue.normal_lane", "QUEUE_NORMAL_LANE")
	_ = viper.BindEnv("queue.low_lane", "QUEUE_LOW_LANE")
	_ = viper.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = viper.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("tts.service_url", "TTS_SERVICE_URL")
	_ = viper.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = viper.BindEnv("tts.voice", "TTS_VOICE")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("storage.region", "STORAGE_REGION")
	_ = viper.BindEnv("ratelimit.enqueue_per_min", "RATELIMIT_ENQUEUE_PER_MIN")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("queue.concurrency", 3)
	viper.SetDefault("queue.job_timeout_minutes", 30)
	viper.SetDefault("queue.max_retries", 2)
	viper.SetDefault("queue.retention_hours", 168) // 7 days
	viper.SetDefault("queue.high_lane", "high")
	viper.SetDefault("queue.normal_lane", "normal")
	viper.SetDefault("queue.low_lane", "low")
	viper.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("llm.model", "llama-3.3-70b-versatile")
	viper.SetDefault("tts.service_url", "http://localhost:8084")
	viper.SetDefault("tts.timeout", 120)
	viper.SetDefault("tts.voice", "narrator-en")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("ratelimit.enqueue_per_min", 30)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Concurrency: viper.GetInt("queue.concurrency"),
			JobTimeout:  time.Duration(viper.GetInt("queue.job_timeout_minutes")) * time.Minute,
			MaxRetries:  viper.GetInt("queue.max_retries"),
			Retention:   time.Duration(viper.GetInt("queue.retention_hours")) * time.Hour,
			HighLane:    viper.GetString("queue.high_lane"),
			NormalLane:  viper.GetString("queue.normal_lane"),
			LowLane:     viper.GetString("queue.low_lane"),
		},
		LLM: LLMConfig{
			APIKey:  viper.GetString("llm.api_key"),
			BaseURL: viper.GetString("llm.base_url"),
			Model:   viper.GetString("llm.model"),
		},
		TTS: TTSConfig{
			ServiceURL: viper.GetString("tts.service_url"),
			Timeout:    viper.GetInt("tts.timeout"),
			Voice:      viper.GetString("tts.voice"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
			Region:          viper.GetString("storage.region"),
		},
		RateLimit: RateLimitConfig{
			EnqueuePerMin: viper.GetInt("ratelimit.enqueue_per_min"),
		},
	}

	return cfg, nil
}
