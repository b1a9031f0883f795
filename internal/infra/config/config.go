package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the service reads at startup. Secrets
// additionally support the _FILE suffix convention for Docker secrets.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	Meili     MeiliConfig
	Embedding EmbeddingConfig
	Rerank    RerankConfig
	Retrieval RetrievalConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Cache     CacheConfig
}

type ServerConfig struct {
	Env  string
	Port string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	URL string
}

type MeiliConfig struct {
	Host   string
	APIKey string
	Index  string
}

type EmbeddingConfig struct {
	URL string
	// Model is the default embedding model, used when a knowledge base
	// does not pin one of its own.
	Model   string
	Timeout time.Duration
	// BatchSize caps chunks per provider call.
	BatchSize int
	// MaxBatchTokens caps the estimated token total per provider call.
	MaxBatchTokens int
	// MaxConcurrentBatches bounds in-flight provider calls per document.
	MaxConcurrentBatches int
	// RequestsPerSecond paces provider calls. Zero disables pacing.
	RequestsPerSecond float64
	// MaxAttempts is the per-batch retry budget for transient failures.
	MaxAttempts int
}

type RerankConfig struct {
	Enabled bool
	URL     string
	Model   string
	Timeout time.Duration
	// TopN caps the candidate set handed to the cross-encoder.
	TopN int
}

type RetrievalConfig struct {
	// SearchLimit is the per-source candidate count before fusion.
	SearchLimit int
	// RRFK is the reciprocal rank fusion constant.
	RRFK float64
	// WeightVector and WeightKeyword weight the two sources in the
	// fused score.
	WeightVector  float64
	WeightKeyword float64
	// DefaultTopK applies when a request omits top_k.
	DefaultTopK int
	// Timeout bounds one whole retrieve call.
	Timeout time.Duration
}

type PipelineConfig struct {
	// ParseTimeout is the per-document parse ceiling.
	ParseTimeout time.Duration
	// PDFPageThreshold is the page count above which PDF extraction
	// fans out across workers.
	PDFPageThreshold int
	// SplitTimeout and VectorizeTimeout bound one message of the
	// respective stage.
	SplitTimeout     time.Duration
	VectorizeTimeout time.Duration
	// ConsumerBatchSize is messages per XREADGROUP call.
	ConsumerBatchSize int64
	// ConsumerBlock is how long a read blocks waiting for messages.
	ConsumerBlock time.Duration
	// ClaimMinIdle is the pending age after which a message stranded on
	// a dead consumer is claimed.
	ClaimMinIdle time.Duration
	// DocLockTTL bounds the per-document index lock.
	DocLockTTL time.Duration
}

type StorageConfig struct {
	// Dir is the local blob root for uploaded files.
	Dir string
	// MaxFileSize is the upload cap in bytes.
	MaxFileSize int64
}

type CacheConfig struct {
	// Size is the retrieval cache entry cap. Zero disables the cache.
	Size int
	TTL  time.Duration
}

// Load reads the configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Env:  getEnv("ENV", "development"),
			Port: getEnv("PORT", "9400"),
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "kb-db"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "kb_user"),
			Password: getSecret("DB_PASSWORD", "DB_PASSWORD_FILE", "kb_password"),
			Name:     getEnv("DB_NAME", "kb_db"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
			MinConns: getEnvInt("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Meili: MeiliConfig{
			Host:   getEnv("MEILISEARCH_HOST", "http://localhost:7700"),
			APIKey: getSecret("MEILISEARCH_API_KEY", "MEILISEARCH_API_KEY_FILE", ""),
			Index:  getEnv("MEILISEARCH_INDEX", "kb_chunks"),
		},
		Embedding: EmbeddingConfig{
			URL:                  getEnv("EMBEDDING_URL", "http://localhost:11434"),
			Model:                getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			Timeout:              getEnvSeconds("EMBEDDING_TIMEOUT_SECONDS", 60),
			BatchSize:            getEnvInt("EMBEDDING_BATCH_SIZE", 32),
			MaxBatchTokens:       getEnvInt("EMBEDDING_MAX_BATCH_TOKENS", 8000),
			MaxConcurrentBatches: getEnvInt("EMBEDDING_MAX_CONCURRENT_BATCHES", 4),
			RequestsPerSecond:    getEnvFloat64("EMBEDDING_REQUESTS_PER_SECOND", 0),
			MaxAttempts:          getEnvInt("EMBEDDING_MAX_ATTEMPTS", 5),
		},
		Rerank: RerankConfig{
			Enabled: getEnvBool("RERANK_ENABLED", false),
			URL:     getEnv("RERANK_URL", "http://localhost:9020"),
			Model:   getEnv("RERANK_MODEL", "bge-reranker-v2-m3"),
			Timeout: getEnvSeconds("RERANK_TIMEOUT_SECONDS", 10),
			TopN:    getEnvInt("RERANK_TOP_N", 30),
		},
		Retrieval: RetrievalConfig{
			SearchLimit:   getEnvInt("RETRIEVAL_SEARCH_LIMIT", 50),
			RRFK:          getEnvFloat64("RETRIEVAL_RRF_K", 60.0),
			WeightVector:  getEnvFloat64("RETRIEVAL_WEIGHT_VECTOR", 1.0),
			WeightKeyword: getEnvFloat64("RETRIEVAL_WEIGHT_KEYWORD", 1.0),
			DefaultTopK:   getEnvInt("RETRIEVAL_DEFAULT_TOP_K", 10),
			Timeout:       getEnvSeconds("RETRIEVAL_TIMEOUT_SECONDS", 30),
		},
		Pipeline: PipelineConfig{
			ParseTimeout:      getEnvMinutes("PARSE_TIMEOUT_MINUTES", 15),
			PDFPageThreshold:  getEnvInt("PDF_PAGE_THRESHOLD", 16),
			SplitTimeout:      getEnvSeconds("SPLIT_TIMEOUT_SECONDS", 60),
			VectorizeTimeout:  getEnvMinutes("VECTORIZE_TIMEOUT_MINUTES", 10),
			ConsumerBatchSize: int64(getEnvInt("CONSUMER_BATCH_SIZE", 10)),
			ConsumerBlock:     getEnvSeconds("CONSUMER_BLOCK_SECONDS", 5),
			ClaimMinIdle:      getEnvMinutes("CLAIM_MIN_IDLE_MINUTES", 5),
			DocLockTTL:        getEnvSeconds("DOC_LOCK_TTL_SECONDS", 60),
		},
		Storage: StorageConfig{
			Dir:         getEnv("STORAGE_DIR", "/var/lib/kb-engine/blobs"),
			MaxFileSize: int64(getEnvInt("MAX_FILE_SIZE", 52428800)),
		},
		Cache: CacheConfig{
			Size: getEnvInt("RETRIEVAL_CACHE_SIZE", 256),
			TTL:  getEnvMinutes("RETRIEVAL_CACHE_TTL_MINUTES", 5),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getSecret(envKey, fileEnvKey, fallback string) string {
	// 1. Try direct environment variable
	if value, ok := os.LookupEnv(envKey); ok {
		return value
	}

	// 2. Try reading from file specified by fileEnvKey
	if filePath, ok := os.LookupEnv(fileEnvKey); ok {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return value == "true" || value == "1"
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvMinutes(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Minute
}
