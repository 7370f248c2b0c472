// Package config provides the unified configuration system for Quarry.
// It defines a single Config structure consumed by every component, organized
// into logical sections:
//   - Pool: source-database connection pool sizing and timeouts
//   - Breaker: circuit breaker thresholds
//   - State: local state store and write queue behavior
//   - Export: chunk sizing tiers, worker pools, retries, resume tolerances
//   - Selector: export-method decision thresholds
//   - Memory: process-wide memory guard limits
//   - Logging: log level and encoding
//
// Every method-selection threshold and chunk tier is configuration, never a
// constant at a call site; the defaults below reproduce the stock behavior.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the top-level configuration for the export engine.
type Config struct {
	// Pool controls the source-database connection pool
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Breaker controls the connection circuit breaker
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// State controls the local state store and its write queue
	State StateConfig `yaml:"state" json:"state"`

	// Export controls chunked export execution
	Export ExportConfig `yaml:"export" json:"export"`

	// Selector holds the export-method decision thresholds
	Selector SelectorConfig `yaml:"selector" json:"selector"`

	// Memory holds the memory guard limits
	Memory MemoryGuardConfig `yaml:"memory" json:"memory"`

	// Logging configures the global logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PoolConfig contains connection pool settings. The pool is deliberately
// small so a single job stays well under the source database's connection
// ceiling.
type PoolConfig struct {
	// MinConns is the number of connections kept warm
	MinConns int32 `yaml:"min_conns" json:"min_conns"`
	// MaxConns is the pool ceiling; chunk worker counts are capped by it
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`
	// AcquireTimeout bounds a single pool acquisition
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// ProbeTimeout bounds the per-acquisition liveness probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	// StatementTimeout bounds analysis queries (count, min/max probes)
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
	// ConnectTimeout bounds establishing a new connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold is the consecutive-success count that closes a half-open circuit
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// CoolDown is how long the circuit stays open before probing
	CoolDown time.Duration `yaml:"cool_down" json:"cool_down"`
	// HalfOpenLimit caps trial acquisitions while half-open
	HalfOpenLimit int `yaml:"half_open_limit" json:"half_open_limit"`
}

// StateConfig contains local state store settings.
type StateConfig struct {
	// Path is the SQLite database file location
	Path string `yaml:"path" json:"path"`
	// QueueDepth is the buffered capacity of the operation channel
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
	// BatchSize flushes the write batch when it reaches this many operations
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BatchTimeout flushes the write batch when its oldest entry is this old
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	// QueryTimeout bounds synchronous reads through the queue
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// ChunkTier maps a table row-count floor to chunk sizing bounds. Tiers are
// evaluated largest floor first; bigger tables get fewer, larger chunks.
type ChunkTier struct {
	// MinRows is the row-count floor for this tier
	MinRows int64 `yaml:"min_rows" json:"min_rows"`
	// MaxChunks caps how many chunks the table is split into
	MaxChunks int `yaml:"max_chunks" json:"max_chunks"`
	// MinChunkRows is the smallest acceptable chunk row target
	MinChunkRows int64 `yaml:"min_chunk_rows" json:"min_chunk_rows"`
}

// ExportConfig contains chunked export execution settings.
type ExportConfig struct {
	// Workers is the base per-table chunk worker count
	Workers int `yaml:"workers" json:"workers"`
	// MaxWorkers caps the boosted worker count
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// WorkerBoostRanges boosts workers when the range count exceeds it
	WorkerBoostRanges int `yaml:"worker_boost_ranges" json:"worker_boost_ranges"`
	// MaxTableConcurrency bounds concurrent table exports within a job
	MaxTableConcurrency int `yaml:"max_table_concurrency" json:"max_table_concurrency"`
	// WriteBatchRows is the row batch size flushed to a part-file
	WriteBatchRows int `yaml:"write_batch_rows" json:"write_batch_rows"`
	// MaxChunkRetries is the retry cap per chunk for transient failures
	MaxChunkRetries int `yaml:"max_chunk_retries" json:"max_chunk_retries"`
	// RetryInitialDelay is the first backoff delay (doubles per attempt)
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" json:"retry_initial_delay"`
	// ProgressFlushEvery persists offset-chunk progress every N completions
	ProgressFlushEvery int `yaml:"progress_flush_every" json:"progress_flush_every"`
	// ResumeRowTolerance is the allowed fractional row-count drift when
	// reconciling a resumed export from persisted per-chunk counts
	ResumeRowTolerance float64 `yaml:"resume_row_tolerance" json:"resume_row_tolerance"`
	// MaxNullDensity rejects range-column candidates above this null fraction
	MaxNullDensity float64 `yaml:"max_null_density" json:"max_null_density"`
	// SequentialDensity marks a column sequential when rows/(max-min+1) exceeds it
	SequentialDensity float64 `yaml:"sequential_density" json:"sequential_density"`
	// AssumedRowBytes estimates table size when no relation statistic exists
	AssumedRowBytes int64 `yaml:"assumed_row_bytes" json:"assumed_row_bytes"`
	// ChunkSizeHint, when positive, overrides the tier arithmetic with a
	// fixed per-chunk row target. Supplied per job by the caller.
	ChunkSizeHint int64 `yaml:"chunk_size_hint" json:"chunk_size_hint"`
	// ChunkTiers maps row-count floors to chunk sizing, largest floor first
	ChunkTiers []ChunkTier `yaml:"chunk_tiers" json:"chunk_tiers"`
}

// SelectorConfig contains the export-method decision thresholds. These moved
// between releases historically, so they are configuration rather than
// constants.
type SelectorConfig struct {
	// SmallTableRows: below this a direct single-shot export is used
	SmallTableRows int64 `yaml:"small_table_rows" json:"small_table_rows"`
	// RangeCeilingRows: range chunking applies below this unless the range
	// column is sequential
	RangeCeilingRows int64 `yaml:"range_ceiling_rows" json:"range_ceiling_rows"`
	// OffsetDangerRows: above this, offset pagination is considered unsafe
	OffsetDangerRows int64 `yaml:"offset_danger_rows" json:"offset_danger_rows"`
	// ForceStreamingRows: above this, streaming is forced when supported
	ForceStreamingRows int64 `yaml:"force_streaming_rows" json:"force_streaming_rows"`
}

// MemoryGuardConfig contains the memory guard limits checked around each
// offset chunk.
type MemoryGuardConfig struct {
	// MaxSystemPercent aborts chunk submission above this system memory usage
	MaxSystemPercent float64 `yaml:"max_system_percent" json:"max_system_percent"`
	// MaxProcessRSSMB aborts chunk submission above this process RSS (0 = unlimited)
	MaxProcessRSSMB int64 `yaml:"max_process_rss_mb" json:"max_process_rss_mb"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// New returns a Config populated with the stock defaults.
func New() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Config{
		Pool: PoolConfig{
			MinConns:         2,
			MaxConns:         6,
			AcquireTimeout:   30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			StatementTimeout: 60 * time.Second,
			ConnectTimeout:   10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			CoolDown:         30 * time.Second,
			HalfOpenLimit:    3,
		},
		State: StateConfig{
			Path:         "quarry_state.db",
			QueueDepth:   1000,
			BatchSize:    50,
			BatchTimeout: 5 * time.Second,
			QueryTimeout: 10 * time.Second,
		},
		Export: ExportConfig{
			Workers:             workers,
			MaxWorkers:          16,
			WorkerBoostRanges:   50,
			MaxTableConcurrency: 4,
			WriteBatchRows:      10000,
			MaxChunkRetries:     3,
			RetryInitialDelay:   time.Second,
			ProgressFlushEvery:  5,
			ResumeRowTolerance:  0.001,
			MaxNullDensity:      0.2,
			SequentialDensity:   0.5,
			AssumedRowBytes:     100,
			ChunkTiers: []ChunkTier{
				{MinRows: 1_000_000_000, MaxChunks: 200, MinChunkRows: 5_000_000},
				{MinRows: 500_000_000, MaxChunks: 150, MinChunkRows: 3_000_000},
				{MinRows: 100_000_000, MaxChunks: 100, MinChunkRows: 2_000_000},
				{MinRows: 10_000_000, MaxChunks: 80, MinChunkRows: 1_000_000},
				{MinRows: 0, MaxChunks: 50, MinChunkRows: 500_000},
			},
		},
		Selector: SelectorConfig{
			SmallTableRows:     500_000,
			RangeCeilingRows:   50_000_000,
			OffsetDangerRows:   50_000_000,
			ForceStreamingRows: 100_000_000,
		},
		Memory: MemoryGuardConfig{
			MaxSystemPercent: 90,
			MaxProcessRSSMB:  0,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Pool.MaxConns <= 0 {
		return fmt.Errorf("pool.max_conns must be positive, got %d", c.Pool.MaxConns)
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("pool.min_conns must be in [0, max_conns], got %d", c.Pool.MinConns)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive, got %d", c.Breaker.SuccessThreshold)
	}
	if c.State.BatchSize <= 0 {
		return fmt.Errorf("state.batch_size must be positive, got %d", c.State.BatchSize)
	}
	if c.State.QueueDepth <= 0 {
		return fmt.Errorf("state.queue_depth must be positive, got %d", c.State.QueueDepth)
	}
	if c.Export.Workers <= 0 {
		return fmt.Errorf("export.workers must be positive, got %d", c.Export.Workers)
	}
	if c.Export.MaxWorkers < c.Export.Workers {
		return fmt.Errorf("export.max_workers (%d) must be >= export.workers (%d)",
			c.Export.MaxWorkers, c.Export.Workers)
	}
	if c.Export.WriteBatchRows <= 0 {
		return fmt.Errorf("export.write_batch_rows must be positive, got %d", c.Export.WriteBatchRows)
	}
	if len(c.Export.ChunkTiers) == 0 {
		return fmt.Errorf("export.chunk_tiers must not be empty")
	}
	for i, tier := range c.Export.ChunkTiers {
		if tier.MaxChunks <= 0 || tier.MinChunkRows <= 0 {
			return fmt.Errorf("export.chunk_tiers[%d] has non-positive bounds", i)
		}
		if i > 0 && tier.MinRows >= c.Export.ChunkTiers[i-1].MinRows {
			return fmt.Errorf("export.chunk_tiers must be ordered by descending min_rows")
		}
	}
	if c.Export.SequentialDensity <= 0 || c.Export.SequentialDensity > 1 {
		return fmt.Errorf("export.sequential_density must be in (0, 1], got %f", c.Export.SequentialDensity)
	}
	if c.Selector.SmallTableRows <= 0 {
		return fmt.Errorf("selector.small_table_rows must be positive, got %d", c.Selector.SmallTableRows)
	}
	if c.Selector.ForceStreamingRows < c.Selector.OffsetDangerRows {
		return fmt.Errorf("selector.force_streaming_rows must be >= selector.offset_danger_rows")
	}
	if c.Memory.MaxSystemPercent <= 0 || c.Memory.MaxSystemPercent > 100 {
		return fmt.Errorf("memory.max_system_percent must be in (0, 100], got %f", c.Memory.MaxSystemPercent)
	}
	return nil
}
