package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.MVCC.Enabled)
	assert.Equal(t, FsyncPerCommit, cfg.WAL.FsyncPolicy)
	assert.Equal(t, 1024, cfg.Vector.RowGroupSize)
	assert.Equal(t, MetricCosine, cfg.Vector.DefaultMetric)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raydb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mvcc:
  enabled: false
wal:
  fsync_policy: group_commit
  group_commit_window: 5ms
vector:
  row_group_size: 256
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, cfg.MVCC.Enabled)
	assert.Equal(t, FsyncGroupCommit, cfg.WAL.FsyncPolicy)
	assert.Equal(t, 5*time.Millisecond, cfg.WAL.GroupCommitWindow)
	assert.Equal(t, 256, cfg.Vector.RowGroupSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().WAL.SegmentSoftCap, cfg.WAL.SegmentSoftCap)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RAYDB_MVCC", "false")
	t.Setenv("RAYDB_WAL_FSYNC_POLICY", "never")
	t.Setenv("RAYDB_MVCC_RETENTION", "90s")
	t.Setenv("RAYDB_VECTOR_DEFAULT_METRIC", "dot")

	cfg := FromEnv()
	assert.False(t, cfg.MVCC.Enabled)
	assert.Equal(t, FsyncNever, cfg.WAL.FsyncPolicy)
	assert.Equal(t, 90*time.Second, cfg.MVCC.Retention)
	assert.Equal(t, MetricDot, cfg.Vector.DefaultMetric)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.WAL.FsyncPolicy = "sometimes"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Vector.DefaultMetric = "manhattan"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.WAL.SegmentSoftCap = 16
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Vector.FragmentTargetSize = 10
	assert.Error(t, cfg.Validate())
}
