package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/store"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "depflow.db"
	defaultLogFormat   = "json"
	defaultCopyWorkers = 1
	defaultGPUWorkers  = 2

	envListenAddr   = "DEPFLOW_LISTEN_ADDR"
	envDBPath       = "DEPFLOW_DB_PATH"
	envLogLevel     = "DEPFLOW_LOG_LEVEL"
	envLogFormat    = "DEPFLOW_LOG_FORMAT"
	envPolicy       = "DEPFLOW_POLICY"
	envWorkers      = "DEPFLOW_WORKERS"
	envCopyWorkers  = "DEPFLOW_COPY_WORKERS"
	envGPUWorkers   = "DEPFLOW_GPU_WORKERS"
	envJournalBatch = "DEPFLOW_JOURNAL_BATCH"
	envJournalFlush = "DEPFLOW_JOURNAL_FLUSH"
	envPipeline     = "DEPFLOW_PIPELINE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	// DBPath is the op journal database. Empty disables the journal.
	DBPath       string
	LogLevel     slog.Level
	LogFormat    string
	Policy       string
	Workers      int
	CopyWorkers  int
	GPUWorkers   int
	JournalBatch int
	JournalFlush time.Duration
	PipelineFile string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		LogFormat:    defaultLogFormat,
		Policy:       policy.NameAuto,
		Workers:      runtime.GOMAXPROCS(0),
		CopyWorkers:  defaultCopyWorkers,
		GPUWorkers:   defaultGPUWorkers,
		JournalBatch: store.DefaultBatchSize,
		JournalFlush: store.DefaultFlushInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(envDBPath); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envPolicy); v != "" {
		cfg.Policy = v
	}
	cfg.Workers = envInt(envWorkers, cfg.Workers)
	cfg.CopyWorkers = envInt(envCopyWorkers, cfg.CopyWorkers)
	cfg.GPUWorkers = envInt(envGPUWorkers, cfg.GPUWorkers)
	cfg.JournalBatch = envInt(envJournalBatch, cfg.JournalBatch)
	if v := os.Getenv(envJournalFlush); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.JournalFlush = d
		}
	}
	if v := os.Getenv(envPipeline); v != "" {
		cfg.PipelineFile = v
	}

	return cfg
}

// envInt returns the positive integer in env var key, or def.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger creates the logger described by c: JSON unless LogFormat is "text".
func (c Config) Logger(w io.Writer) *slog.Logger {
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: c.LogLevel,
		}))
	}
	return NewLogger(w, c.LogLevel)
}
