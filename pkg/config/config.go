// Package config holds RayDB configuration.
//
// Configuration resolves in three layers: compiled-in defaults, an optional
// YAML file, and RAYDB_-prefixed environment variables. The data directory is
// never configured here — it is an explicit argument to raydb.Open.
//
// Example:
//
//	cfg := config.Default()
//	cfg.WAL.FsyncPolicy = config.FsyncGroupCommit
//	cfg.WAL.GroupCommitWindow = 5 * time.Millisecond
//	db, err := raydb.Open("./data", cfg)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FsyncPolicy controls when the WAL flushes to stable storage.
type FsyncPolicy string

const (
	// FsyncPerCommit syncs at every commit barrier. Safest, slowest.
	FsyncPerCommit FsyncPolicy = "per_commit"
	// FsyncGroupCommit syncs at most once per GroupCommitWindow.
	FsyncGroupCommit FsyncPolicy = "group_commit"
	// FsyncNever leaves flushing to the OS. Data loss on crash.
	FsyncNever FsyncPolicy = "never"
)

// Metric names a vector distance metric.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// Config is the full configuration for one open store.
type Config struct {
	MVCC       MVCCConfig       `yaml:"mvcc"`
	WAL        WALConfig        `yaml:"wal"`
	Compaction CompactionConfig `yaml:"compaction"`
	Vector     VectorConfig     `yaml:"vector"`
}

// MVCCConfig controls multi-version concurrency.
type MVCCConfig struct {
	// Enabled turns MVCC on. When false the store is single-threaded:
	// no version chains, no conflict detection.
	Enabled bool `yaml:"enabled"`
	// GCInterval is how often the version-chain garbage collector runs.
	GCInterval time.Duration `yaml:"gc_interval"`
	// GCWriteTrigger also runs GC after this many committed writes.
	GCWriteTrigger int64 `yaml:"gc_write_trigger"`
	// Retention is the wall-clock grace period before old versions are
	// eligible for pruning.
	Retention time.Duration `yaml:"retention"`
}

// WALConfig controls the write-ahead log.
type WALConfig struct {
	// SegmentSoftCap rotates the active segment once it exceeds this size.
	SegmentSoftCap int64 `yaml:"segment_soft_cap"`
	// FsyncPolicy is one of per_commit, group_commit, never.
	FsyncPolicy FsyncPolicy `yaml:"fsync_policy"`
	// GroupCommitWindow bounds sync latency under group_commit.
	GroupCommitWindow time.Duration `yaml:"group_commit_window"`
}

// CompactionConfig controls snapshot rebuilds.
type CompactionConfig struct {
	// TriggerDeltaOps rebuilds the snapshot once the delta holds this
	// many operations. 0 disables automatic compaction.
	TriggerDeltaOps int64 `yaml:"trigger_delta_ops"`
}

// VectorConfig controls fragment storage defaults.
type VectorConfig struct {
	RowGroupSize       int    `yaml:"row_group_size"`
	FragmentTargetSize int    `yaml:"fragment_target_size"`
	DefaultMetric      Metric `yaml:"default_metric"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		MVCC: MVCCConfig{
			Enabled:        true,
			GCInterval:     30 * time.Second,
			GCWriteTrigger: 10000,
			Retention:      5 * time.Minute,
		},
		WAL: WALConfig{
			SegmentSoftCap:    64 * 1024 * 1024,
			FsyncPolicy:       FsyncPerCommit,
			GroupCommitWindow: 10 * time.Millisecond,
		},
		Compaction: CompactionConfig{
			TriggerDeltaOps: 100000,
		},
		Vector: VectorConfig{
			RowGroupSize:       1024,
			FragmentTargetSize: 65536,
			DefaultMetric:      MetricCosine,
		},
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns defaults with environment overrides applied.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v, ok := envBool("RAYDB_MVCC"); ok {
		c.MVCC.Enabled = v
	}
	if v, ok := envDuration("RAYDB_MVCC_GC_INTERVAL"); ok {
		c.MVCC.GCInterval = v
	}
	if v, ok := envDuration("RAYDB_MVCC_RETENTION"); ok {
		c.MVCC.Retention = v
	}
	if v, ok := envInt64("RAYDB_WAL_SEGMENT_SOFT_CAP"); ok {
		c.WAL.SegmentSoftCap = v
	}
	if v := os.Getenv("RAYDB_WAL_FSYNC_POLICY"); v != "" {
		c.WAL.FsyncPolicy = FsyncPolicy(v)
	}
	if v, ok := envDuration("RAYDB_WAL_GROUP_COMMIT_WINDOW"); ok {
		c.WAL.GroupCommitWindow = v
	}
	if v, ok := envInt64("RAYDB_COMPACTION_TRIGGER_DELTA_OPS"); ok {
		c.Compaction.TriggerDeltaOps = v
	}
	if v, ok := envInt64("RAYDB_VECTOR_ROW_GROUP_SIZE"); ok {
		c.Vector.RowGroupSize = int(v)
	}
	if v, ok := envInt64("RAYDB_VECTOR_FRAGMENT_TARGET_SIZE"); ok {
		c.Vector.FragmentTargetSize = int(v)
	}
	if v := os.Getenv("RAYDB_VECTOR_DEFAULT_METRIC"); v != "" {
		c.Vector.DefaultMetric = Metric(v)
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	switch c.WAL.FsyncPolicy {
	case FsyncPerCommit, FsyncGroupCommit, FsyncNever:
	default:
		return fmt.Errorf("config: unknown fsync policy %q", c.WAL.FsyncPolicy)
	}
	switch c.Vector.DefaultMetric {
	case MetricCosine, MetricEuclidean, MetricDot:
	default:
		return fmt.Errorf("config: unknown vector metric %q", c.Vector.DefaultMetric)
	}
	if c.WAL.SegmentSoftCap < 4096 {
		return fmt.Errorf("config: wal segment soft cap %d below minimum 4096", c.WAL.SegmentSoftCap)
	}
	if c.Vector.RowGroupSize <= 0 {
		return fmt.Errorf("config: vector row group size must be positive")
	}
	if c.Vector.FragmentTargetSize < c.Vector.RowGroupSize {
		return fmt.Errorf("config: fragment target size %d below row group size %d",
			c.Vector.FragmentTargetSize, c.Vector.RowGroupSize)
	}
	return nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
