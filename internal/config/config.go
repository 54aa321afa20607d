// Package config loads Varasto configuration from the environment.
//
// A .env file in the working directory is honored when present. Every
// option has a default that works for local development against a Qdrant
// and Ollama instance on localhost.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	// RootPath is the managed root directory. All logical paths are
	// relative to it.
	RootPath string

	// DBPath is the SQLite state store location.
	DBPath string

	// DataDir holds the process lock file. The log file location is
	// LogFile, independent of this directory.
	DataDir string

	// Vector store (Qdrant) connection.
	VectorHost       string
	VectorPort       int
	VectorCollection string
	VectorAPIKey     string
	VectorUseTLS     bool

	// Embedding provider (Ollama HTTP API).
	EmbeddingHost      string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingVersion   int
	EmbedBatchSize     int

	// Chunking.
	ChunkSize    int
	ChunkOverlap int

	// Indexer.
	IndexWorkers         int
	IndexingPollInterval time.Duration

	// Filesystem observer.
	WatchDebounce time.Duration

	// Hybrid search.
	HybridAlpha    float64
	MCPSearchLimit int

	// Remote sync.
	SyncRequestTimeout time.Duration
	SyncDeadline       time.Duration

	// Surfaces.
	HTTPAddr     string
	MCPPort      int
	MCPTransport string

	// Logging.
	LogLevel string
	LogFile  string
}

// Load reads configuration from the environment, honoring a .env file
// when one exists, and validates the result.
func Load() (*Config, error) {
	// Missing .env is not an error; env vars win over file values.
	_ = godotenv.Load()

	cfg := &Config{
		RootPath:             getString("ROOT_PATH", "./data"),
		DBPath:               getString("DB_PATH", "./varasto.db"),
		DataDir:              getString("DATA_DIR", "./.varasto"),
		VectorHost:           getString("VECTOR_HOST", "localhost"),
		VectorPort:           getInt("VECTOR_PORT", 6334),
		VectorCollection:     getString("VECTOR_COLLECTION", "varasto_chunks"),
		VectorAPIKey:         getString("VECTOR_API_KEY", ""),
		VectorUseTLS:         getBool("VECTOR_USE_TLS", false),
		EmbeddingHost:        getString("EMBEDDING_HOST", "http://localhost:11434"),
		EmbeddingModel:       getString("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDimension:   getInt("EMBEDDING_DIMENSION", 768),
		EmbeddingVersion:     getInt("EMBEDDING_VERSION", 1),
		EmbedBatchSize:       getInt("EMBED_BATCH_SIZE", 32),
		ChunkSize:            getInt("CHUNK_SIZE", 512),
		ChunkOverlap:         getInt("CHUNK_OVERLAP", 50),
		IndexWorkers:         getInt("INDEX_WORKERS", 2),
		IndexingPollInterval: getDuration("INDEXING_POLL_INTERVAL", 10*time.Second),
		WatchDebounce:        getDuration("WATCH_DEBOUNCE", 500*time.Millisecond),
		HybridAlpha:          getFloat("HYBRID_ALPHA", 0.6),
		MCPSearchLimit:       getInt("MCP_SEARCH_LIMIT", 20),
		SyncRequestTimeout:   getDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		SyncDeadline:         getDuration("SYNC_DEADLINE", 15*time.Minute),
		HTTPAddr:             getString("HTTP_ADDR", ":8000"),
		MCPPort:              getInt("MCP_PORT", 8001),
		MCPTransport:         getString("MCP_TRANSPORT", "http"),
		LogLevel:             getString("LOG_LEVEL", "info"),
		LogFile:              getString("LOG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("ROOT_PATH must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.IndexWorkers <= 0 {
		return fmt.Errorf("INDEX_WORKERS must be positive, got %d", c.IndexWorkers)
	}
	if c.HybridAlpha < 0 || c.HybridAlpha > 1 {
		return fmt.Errorf("HYBRID_ALPHA must be in [0, 1], got %g", c.HybridAlpha)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("EMBED_BATCH_SIZE must be positive, got %d", c.EmbedBatchSize)
	}
	switch c.MCPTransport {
	case "stdio", "http":
	default:
		return fmt.Errorf("MCP_TRANSPORT must be stdio or http, got %q", c.MCPTransport)
	}
	return nil
}

// EnsureDirs creates the managed root and data directory, resolving
// RootPath to an absolute path.
func (c *Config) EnsureDirs() error {
	abs, err := filepath.Abs(c.RootPath)
	if err != nil {
		return fmt.Errorf("resolve root path: %w", err)
	}
	c.RootPath = abs

	if err := os.MkdirAll(c.RootPath, 0o755); err != nil {
		return fmt.Errorf("create managed root: %w", err)
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds, matching older deployments.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
