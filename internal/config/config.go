package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Index     IndexConfig
	Storage   StorageConfig
	Queue     QueueConfig
	LogLevel  string
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	RateLimitRPS   float64 // per tenant; 0 disables limiting
	RateLimitBurst int
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string // empty uses the embedded migrations
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig points at the external identity issuer. When JWTSecret is
// empty the tenant is taken from the TenantHeader instead of a token.
type AuthConfig struct {
	JWTSecret    string
	TenantHeader string
}

type LLMConfig struct {
	OpenAIKey        string
	OpenAIBaseURL    string // any OpenAI-compatible endpoint, e.g. Groq
	AnthropicKey     string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	MaxRetries       int
}

type EmbeddingConfig struct {
	Backend    string // "gateway" or "hash"
	Provider   string // gateway provider used for embeddings
	Model      string
	Device     string
	Precision  string // "float32" or "int8"
	Dimensions int
	BatchSize  int
	Lazy       bool
}

type ChunkingConfig struct {
	Size      int
	Overlap   int
	MinLength int
}

type RetrievalConfig struct {
	TopK              int
	GenerationTimeout time.Duration
	Temperature       float64
	CacheTTL          time.Duration
}

type IndexConfig struct {
	Backend string // "file", "supabase" or "postgres"
	Dir     string
}

type StorageConfig struct {
	SupabaseURL  string
	SupabaseKey  string
	Bucket       string // index artifacts
	UploadBucket string // documents staged for the worker
}

type QueueConfig struct {
	AsyncIngest bool
	Concurrency int
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present; real env vars win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	intv := func(key string, fallback int) int {
		v, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}
	durv := func(key string, fallback time.Duration) time.Duration {
		v, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}
	boolv := func(key string, fallback bool) bool {
		v, err := getEnvBool(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}
	floatv := func(key string, fallback float64) float64 {
		v, err := getEnvFloat(key, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           intv("SERVER_PORT", 8080),
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			RateLimitRPS:   floatv("RATE_LIMIT_RPS", 20),
			RateLimitBurst: intv("RATE_LIMIT_BURST", 40),
			MaxUploadBytes: int64(intv("MAX_UPLOAD_BYTES", 32<<20)),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       intv("DB_MAX_CONNS", 20),
			MinConns:       intv("DB_MIN_CONNS", 2),
			MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       intv("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
			TenantHeader: getEnv("AUTH_TENANT_HEADER", "X-Tenant-ID"),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			MaxRetries:       intv("LLM_MAX_RETRIES", 2),
		},
		Embedding: EmbeddingConfig{
			Backend:    getEnv("EMBEDDING_BACKEND", "gateway"),
			Provider:   getEnv("EMBEDDING_PROVIDER", "openai"),
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Device:     getEnv("EMBEDDING_DEVICE", "auto"),
			Precision:  getEnv("EMBEDDING_PRECISION", "float32"),
			Dimensions: intv("EMBEDDING_DIMENSIONS", 0),
			BatchSize:  intv("EMBEDDING_BATCH_SIZE", 100),
			Lazy:       boolv("EMBEDDING_LAZY", true),
		},
		Chunking: ChunkingConfig{
			Size:      intv("CHUNK_SIZE", 500),
			Overlap:   intv("CHUNK_OVERLAP", 100),
			MinLength: intv("CHUNK_MIN_LENGTH", 1),
		},
		Retrieval: RetrievalConfig{
			TopK:              intv("RETRIEVAL_TOP_K", 8),
			GenerationTimeout: durv("GENERATION_TIMEOUT", 30*time.Second),
			Temperature:       floatv("GENERATION_TEMPERATURE", 0.1),
			CacheTTL:          durv("ANSWER_CACHE_TTL", 10*time.Minute),
		},
		Index: IndexConfig{
			Backend: getEnv("INDEX_BACKEND", "file"),
			Dir:     getEnv("INDEX_DIR", "data/index"),
		},
		Storage: StorageConfig{
			SupabaseURL:  getEnv("SUPABASE_URL", ""),
			SupabaseKey:  getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:       getEnv("STORAGE_BUCKET", "indexes"),
			UploadBucket: getEnv("STORAGE_UPLOAD_BUCKET", "uploads"),
		},
		Queue: QueueConfig{
			AsyncIngest: boolv("QUEUE_ASYNC_INGEST", false),
			Concurrency: intv("QUEUE_CONCURRENCY", 4),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var problems []string

	if c.Chunking.Size <= 0 {
		problems = append(problems, "CHUNK_SIZE must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		problems = append(problems, "CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	if c.Retrieval.TopK <= 0 {
		problems = append(problems, "RETRIEVAL_TOP_K must be positive")
	}

	switch c.Embedding.Backend {
	case "gateway":
	case "hash":
		if c.Embedding.Dimensions < 0 {
			problems = append(problems, "EMBEDDING_DIMENSIONS must not be negative")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown EMBEDDING_BACKEND %q", c.Embedding.Backend))
	}

	switch c.Embedding.Precision {
	case "float32", "int8":
	default:
		problems = append(problems, fmt.Sprintf("unknown EMBEDDING_PRECISION %q", c.Embedding.Precision))
	}

	switch c.Index.Backend {
	case "file":
		if c.Index.Dir == "" {
			problems = append(problems, "INDEX_DIR is required for the file backend")
		}
	case "supabase":
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			problems = append(problems, "SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown INDEX_BACKEND %q", c.Index.Backend))
	}

	if c.Storage.Bucket == c.Storage.UploadBucket {
		problems = append(problems, "STORAGE_BUCKET and STORAGE_UPLOAD_BUCKET must differ")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
