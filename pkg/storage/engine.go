package storage

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raydb/raydb/pkg/config"
	"github.com/raydb/raydb/pkg/log"
	"github.com/raydb/raydb/pkg/metrics"
	"github.com/raydb/raydb/pkg/vector"
)

// Engine is one open store: the mmap'd snapshot, the delta overlay, the
// WAL, the MVCC transaction manager, and the per-property-key vector
// stores.
//
// Concurrency: e.mu is the writer lock. Every mutation — transaction
// commits, schema definitions, compaction, GC — takes it exclusively.
// Readers take it shared, so any writer-side operation blocks them for as
// long as it holds the lock (a compaction for its whole rebuild, not only
// the snapshot pointer swap). Cross-process exclusion comes from the
// directory lock.
type Engine struct {
	dir  string
	cfg  *config.Config
	logr zerolog.Logger
	met  *metrics.Metrics

	mu    sync.RWMutex
	snap  *Snapshot
	delta *Delta
	wal   *WAL
	txm   *txManager
	vec   *vector.Registry
	dlock *dirLock

	nextNodeID uint64
	closed     bool

	// Snapshots replaced by compaction stay mapped until Close; live
	// iterators may still hold CSR views into them.
	retiredSnaps []*Snapshot

	stopBG chan struct{}
	bgWG   sync.WaitGroup
	lastGC time.Time
}

// Open opens (or creates) a store in dir. The snapshot is memory-mapped,
// then the WAL is replayed into the delta; partially written trailing
// commits are truncated away.
func Open(dir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}

	dlock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:    dir,
		cfg:    cfg,
		logr:   log.WithComponent("engine").With().Str("dir", dir).Logger(),
		met:    metrics.New(),
		dlock:  dlock,
		stopBG: make(chan struct{}),
		lastGC: time.Now(),
	}

	if err := e.loadSnapshot(); err != nil {
		dlock.release()
		return nil, err
	}
	e.delta = newDelta(e.snap)
	e.txm = newTxManager(e.snap.NextCommitTs())
	e.nextNodeID = e.snap.NextNodeID()

	if err := e.loadVectors(); err != nil {
		e.snap.Close()
		dlock.release()
		return nil, err
	}

	if err := e.replay(); err != nil {
		e.snap.Close()
		dlock.release()
		return nil, err
	}

	walDir := filepath.Join(dir, walDirName)
	wal, err := openWAL(walDir, cfg.WAL, e.met)
	if err != nil {
		e.snap.Close()
		dlock.release()
		return nil, err
	}
	e.wal = wal

	e.bgWG.Add(1)
	go e.backgroundLoop()

	e.logr.Info().
		Uint64("generation", e.snap.Generation()).
		Int("snapshot_nodes", e.snap.NumNodes()).
		Int64("delta_ops", e.delta.Ops()).
		Msg("store opened")
	return e, nil
}

func (e *Engine) loadSnapshot() error {
	path := filepath.Join(e.dir, CurrentSnapshotName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		e.snap = emptySnapshot()
		return nil
	}
	snap, err := OpenSnapshot(path)
	if err != nil {
		return err
	}
	e.snap = snap
	return nil
}

func (e *Engine) loadVectors() error {
	defaults := vector.Config{
		RowGroupSize:       e.cfg.Vector.RowGroupSize,
		FragmentTargetSize: e.cfg.Vector.FragmentTargetSize,
	}
	metric, err := vector.ParseMetric(string(e.cfg.Vector.DefaultMetric))
	if err != nil {
		return err
	}
	defaults.Metric = metric
	defaults.Normalize = metric == vector.Cosine

	reg, err := vector.DecodeSections(
		e.snap.VectorSection(SecVectorManifest),
		e.snap.VectorSection(SecVectorFragment),
		e.snap.VectorSection(SecVectorIndex),
		e.snap.VectorSection(SecVectorNodeMap),
		defaults,
	)
	if err != nil {
		return err
	}
	e.vec = reg
	return nil
}

// engineSink adapts the engine to the replay interface.
type engineSink struct{ e *Engine }

func (s engineSink) applyBatch(records []walRecord, commitTs uint64) error {
	for _, rec := range records {
		if err := s.e.applyRecord(rec); err != nil {
			return err
		}
	}
	if commitTs >= s.e.txm.nextCommitTs {
		s.e.txm.nextCommitTs = commitTs + 1
	}
	return nil
}

func (s engineSink) checkpoint(generation uint64) {}

func (e *Engine) replay() error {
	walDir := filepath.Join(e.dir, walDirName)
	res, err := replayWAL(walDir, engineSink{e})
	if err != nil {
		return err
	}
	for _, diag := range res.diagnostics {
		e.logr.Warn().Str("detail", diag).Msg("wal replay diagnostic")
	}
	// Physically truncate segments past the last durable record so fresh
	// appends never follow discarded bytes.
	for seg, off := range res.truncations {
		path := filepath.Join(walDir, segmentName(seg))
		if err := os.Truncate(path, off); err != nil {
			return ioErr("truncate", path, err)
		}
		e.logr.Warn().Uint64("segment", seg).Int64("offset", off).
			Msg("truncated wal segment after incomplete commit")
	}
	if res.batches > 0 {
		e.logr.Info().Int("commits", res.batches).Msg("wal replay complete")
	}
	return nil
}

// backgroundLoop runs MVCC GC and automatic compaction. Each holds the
// writer lock for its whole pass (a compaction for its full rebuild);
// cancellation is cooperative on Close.
func (e *Engine) backgroundLoop() {
	defer e.bgWG.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.maybeGC()
			e.maybeCompact()
		case <-e.stopBG:
			return
		}
	}
}

func (e *Engine) maybeGC() {
	if !e.cfg.MVCC.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	due := time.Since(e.lastGC) >= e.cfg.MVCC.GCInterval ||
		(e.cfg.MVCC.GCWriteTrigger > 0 && e.txm.writesSinceGC >= e.cfg.MVCC.GCWriteTrigger)
	if !due {
		return
	}
	e.runGCLocked()
}

func (e *Engine) runGCLocked() {
	e.lastGC = time.Now()
	delta, ok := e.txm.retentionDelta(e.cfg.MVCC.Retention)
	if !ok {
		return
	}
	minTs := e.txm.minActiveTs()
	cutoff := uint64(0)
	if minTs > delta {
		cutoff = minTs - delta
	}
	if cutoff == 0 {
		return
	}
	pruned := e.txm.gc(cutoff)
	if pruned > 0 {
		e.met.VersionsPruned.Add(float64(pruned))
		e.logr.Debug().Int64("pruned", pruned).Uint64("cutoff", cutoff).Msg("mvcc gc")
	}
}

func (e *Engine) maybeCompact() {
	trigger := e.cfg.Compaction.TriggerDeltaOps
	if trigger <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.delta.Ops() < trigger {
		return
	}
	if err := e.compactLocked(); err != nil {
		e.logr.Error().Err(err).Msg("automatic compaction failed")
	}
}

// DefineLabel interns a label name. Idempotent; new definitions are
// durably logged immediately and survive transaction rollback.
func (e *Engine) DefineLabel(name string) (LabelID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id, created := e.delta.DefineLabel(e.snap, name)
	if created {
		if err := e.logDefine(RecDefineLabel, uint32(id), name); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// DefineEtype interns an edge-type name. Idempotent.
func (e *Engine) DefineEtype(name string) (ETypeID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id, created := e.delta.DefineEtype(e.snap, name)
	if created {
		if err := e.logDefine(RecDefineEtype, uint32(id), name); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// DefinePropKey interns a property-key name. Idempotent.
func (e *Engine) DefinePropKey(name string) (PropKeyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id, created := e.delta.DefinePropKey(e.snap, name)
	if created {
		if err := e.logDefine(RecDefinePropKey, uint32(id), name); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (e *Engine) logDefine(typ RecordType, id uint32, name string) error {
	rec := []walRecord{{typ: typ, payload: encodeDefine(id, name)}}
	ts := e.txm.nextCommitTs
	if err := e.wal.AppendBatch(rec, ts); err != nil {
		return err
	}
	e.txm.nextCommitTs = ts + 1
	return nil
}

// RunGC forces a version-chain GC pass.
func (e *Engine) RunGC() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.runGCLocked()
	}
}

// EnumerateTransactions lists live transaction records. External layers use
// this for timeouts and diagnostics.
func (e *Engine) EnumerateTransactions() []TxInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.txm.enumerate()
}

// Metrics returns the engine's metrics set.
func (e *Engine) Metrics() *metrics.Metrics { return e.met }

// Close flushes the WAL per policy, stops background work, unmaps the
// snapshot, and releases the directory lock. Active transactions are
// implicitly aborted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopBG)
	e.bgWG.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, s := range e.retiredSnaps {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.snap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.dlock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logr.Info().Msg("store closed")
	return firstErr
}
