package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

const (
	BackendPostgres = "postgres"
	BackendWeaviate = "weaviate"
	BackendMemory   = "memory"

	QueueNSQ   = "nsq"
	QueueLocal = "local"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"avatar"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"avatar_kb"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd     string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost       string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP       string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	NSQChannel     string `envconfig:"NSQ_CHANNEL" default:"ingest-worker"`
	NSQMaxAttempts uint16 `envconfig:"NSQ_MAX_ATTEMPTS" default:"5"`

	// Backends
	KnowledgeBackend string `envconfig:"KNOWLEDGE_BACKEND" default:"postgres"`
	QueueBackend     string `envconfig:"QUEUE_BACKEND" default:"nsq"`
	LocalQueueBuffer int    `envconfig:"LOCAL_QUEUE_BUFFER" default:"256"`

	EnableAPI    bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker bool `envconfig:"ENABLE_INGEST_WORKER" default:"true"`

	// Embeddings
	EmbeddingProvider    string `envconfig:"EMBEDDING_PROVIDER" default:"gemini"`
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY"`
	EmbeddingAPIKey      string `envconfig:"EMBEDDING_API_KEY"`
	EmbeddingModel       string `envconfig:"EMBEDDING_MODEL"`
	EmbeddingBaseURL     string `envconfig:"EMBEDDING_BASE_URL"`
	EmbeddingDimensions  int    `envconfig:"EMBEDDING_DIMENSIONS" default:"0"`
	EmbeddingBatchSize   int    `envconfig:"EMBEDDING_BATCH_SIZE" default:"100"`
	EmbeddingConcurrency int    `envconfig:"EMBEDDING_CONCURRENCY" default:"2"`
	EmbedRetryAttempts   int    `envconfig:"EMBED_RETRY_ATTEMPTS" default:"3"`

	// Ingestion
	ChunkTargetSize      int           `envconfig:"CHUNK_TARGET_SIZE" default:"1000"`
	ChunkOverlap         int           `envconfig:"CHUNK_OVERLAP" default:"200"`
	IngestionConcurrency int           `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	IngestionTimeout     time.Duration `envconfig:"INGESTION_TIMEOUT" default:"5m"`
	StaleJobTimeout      time.Duration `envconfig:"STALE_JOB_TIMEOUT" default:"15m"`
	MaxUploadSizeBytes   int           `envconfig:"MAX_UPLOAD_SIZE_BYTES" default:"10485760"` // 10 MiB
	UploadDir            string        `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MigrationPath        string        `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Retrieval
	SearchDefaultTopK int    `envconfig:"SEARCH_DEFAULT_TOP_K" default:"5"`
	MaxContextChars   int    `envconfig:"MAX_CONTEXT_CHARS" default:"8000"`
	QueryLogPath      string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Server
	ServerPort int    `envconfig:"SERVER_PORT" default:"8081"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UsesDatabase reports whether Postgres backs jobs. Only the all-memory
// setup runs without it.
func (c *Config) UsesDatabase() bool {
	return c.KnowledgeBackend != BackendMemory
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}

func (c *Config) Validate() error {
	if !slices.Contains([]string{BackendPostgres, BackendWeaviate, BackendMemory}, c.KnowledgeBackend) {
		return fmt.Errorf("%w: KNOWLEDGE_BACKEND %q", ErrInvalidConfig, c.KnowledgeBackend)
	}
	if c.UsesDatabase() {
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	}
	if c.KnowledgeBackend == BackendWeaviate && c.WeaviateHost == "" {
		return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
	}

	switch c.QueueBackend {
	case QueueNSQ:
		if c.NSQDHost == "" {
			return fmt.Errorf("%w: NSQD_HOST", ErrMissingRequired)
		}
	case QueueLocal:
		if !c.EnableAPI || !c.EnableWorker {
			return fmt.Errorf("%w: QUEUE_BACKEND=local needs the API and the ingest worker in one process", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: QUEUE_BACKEND %q", ErrInvalidConfig, c.QueueBackend)
	}

	switch c.EmbeddingProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	case ProviderOpenAI:
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER %q", ErrInvalidConfig, c.EmbeddingProvider)
	}

	if c.ChunkTargetSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkTargetSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_TARGET_SIZE)", ErrInvalidConfig)
	}
	if c.IngestionConcurrency < 1 {
		return fmt.Errorf("%w: INGESTION_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}
	if c.MaxUploadSizeBytes <= 0 {
		return fmt.Errorf("%w: MAX_UPLOAD_SIZE_BYTES must be positive", ErrInvalidConfig)
	}
	if c.EmbedRetryAttempts < 1 {
		return fmt.Errorf("%w: EMBED_RETRY_ATTEMPTS must be at least 1", ErrInvalidConfig)
	}
	if c.IngestionTimeout <= 0 {
		return fmt.Errorf("%w: INGESTION_TIMEOUT must be positive", ErrInvalidConfig)
	}
	return nil
}
