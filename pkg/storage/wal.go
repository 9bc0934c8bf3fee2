package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raydb/raydb/pkg/config"
	"github.com/raydb/raydb/pkg/log"
	"github.com/raydb/raydb/pkg/metrics"
)

// RecordType tags one WAL record.
type RecordType uint8

const (
	RecDefineLabel      RecordType = 1
	RecDefineEtype      RecordType = 2
	RecDefinePropKey    RecordType = 3
	RecCreateNode       RecordType = 4
	RecDeleteNode       RecordType = 5
	RecSetNodeProp      RecordType = 6
	RecDelNodeProp      RecordType = 7
	RecAddEdge          RecordType = 8
	RecDelEdge          RecordType = 9
	RecSetEdgeProp      RecordType = 10
	RecDelEdgeProp      RecordType = 11
	RecSetNodeVector    RecordType = 12
	RecBatchVectors     RecordType = 13
	RecSealFragment     RecordType = 14
	RecCompactFragments RecordType = 15
	RecCommitBarrier    RecordType = 16
	RecCheckpoint       RecordType = 17
	RecDelNodeVector    RecordType = 18
)

// Record framing: u32 length || u8 type || u32 crc || payload, where length
// covers type+crc+payload and crc is CRC-32 (IEEE) over type||payload.
const recordHeaderSize = 9

// walRecord is one decoded record during replay.
type walRecord struct {
	typ     RecordType
	payload []byte
	segment uint64
	offset  int64
}

// WAL is the segmented write-ahead log. A commit is a run of operation
// records concluded by a commit barrier; the barrier is what makes the run
// durable. Rotation happens only between commits, so a batch never spans
// segments.
type WAL struct {
	dir string
	cfg config.WALConfig
	log zerolog.Logger
	met *metrics.Metrics

	mu       sync.Mutex
	file     *os.File
	w        *bufio.Writer
	segID    uint64
	segSize  int64
	dirty    bool
	lastSync time.Time
	closed   bool

	stopFlush chan struct{}
	flushWG   sync.WaitGroup
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%016d.log", id)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listSegments returns segment ids in ascending order.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr("readdir", dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		if id, ok := parseSegmentName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openWAL opens the highest existing segment for append, or creates the
// first one.
func openWAL(dir string, cfg config.WALConfig, met *metrics.Metrics) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}
	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	segID := uint64(1)
	if len(ids) > 0 {
		segID = ids[len(ids)-1]
	}

	w := &WAL{
		dir:       dir,
		cfg:       cfg,
		log:       log.WithComponent("wal"),
		met:       met,
		segID:     segID,
		stopFlush: make(chan struct{}),
	}
	if err := w.openSegment(segID); err != nil {
		return nil, err
	}

	if cfg.FsyncPolicy == config.FsyncGroupCommit && cfg.GroupCommitWindow > 0 {
		w.flushWG.Add(1)
		go w.groupFlushLoop()
	}
	return w, nil
}

func (w *WAL) openSegment(id uint64) error {
	path := filepath.Join(w.dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr("open", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return ioErr("stat", path, err)
	}
	w.file = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	w.segID = id
	w.segSize = fi.Size()
	return nil
}

// groupFlushLoop bounds sync latency under the group-commit policy.
func (w *WAL) groupFlushLoop() {
	defer w.flushWG.Done()
	ticker := time.NewTicker(w.cfg.GroupCommitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty && !w.closed {
				if err := w.syncLocked(); err != nil {
					w.log.Error().Err(err).Msg("group-commit flush failed")
				}
			}
			w.mu.Unlock()
		case <-w.stopFlush:
			return
		}
	}
}

// Append frames and buffers one record. Durability is deferred to the next
// barrier (or the group-commit window).
func (w *WAL) Append(typ RecordType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.appendLocked(typ, payload)
}

func (w *WAL) appendLocked(typ RecordType, payload []byte) error {
	length := uint32(1 + 4 + len(payload))

	crc := crc32.NewIEEE()
	crc.Write([]byte{byte(typ)})
	crc.Write(payload)

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], length)
	hdr[4] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[5:], crc.Sum32())

	if _, err := w.w.Write(hdr[:]); err != nil {
		return ioErr("write", w.segmentPath(), err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return ioErr("write", w.segmentPath(), err)
	}
	written := int64(recordHeaderSize + len(payload))
	w.segSize += written
	w.dirty = true
	if w.met != nil {
		w.met.WALBytesWritten.Add(float64(written))
	}
	return nil
}

// AppendBatch writes a run of operation records followed by its commit
// barrier, applies the fsync policy, and rotates if the segment crossed the
// soft cap. This is the only durable-commit entry point.
func (w *WAL) AppendBatch(records []walRecord, commitTs uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	for _, r := range records {
		if err := w.appendLocked(r.typ, r.payload); err != nil {
			return err
		}
	}
	var e encoder
	e.U64(commitTs)
	if err := w.appendLocked(RecCommitBarrier, e.buf); err != nil {
		return err
	}
	if err := w.applyPolicyLocked(); err != nil {
		return err
	}
	if w.segSize >= w.cfg.SegmentSoftCap {
		return w.rotateLocked()
	}
	return nil
}

func (w *WAL) applyPolicyLocked() error {
	switch w.cfg.FsyncPolicy {
	case config.FsyncPerCommit:
		return w.syncLocked()
	case config.FsyncGroupCommit:
		if time.Since(w.lastSync) >= w.cfg.GroupCommitWindow {
			return w.syncLocked()
		}
		return w.w.Flush()
	case config.FsyncNever:
		return w.w.Flush()
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.w.Flush(); err != nil {
		return ioErr("flush", w.segmentPath(), err)
	}
	if err := w.file.Sync(); err != nil {
		return ioErr("fsync", w.segmentPath(), err)
	}
	w.dirty = false
	w.lastSync = time.Now()
	if w.met != nil {
		w.met.WALSyncs.Inc()
	}
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return ioErr("close", w.segmentPath(), err)
	}
	next := w.segID + 1
	w.log.Debug().Uint64("segment", next).Msg("rotating wal segment")
	return w.openSegment(next)
}

// Sync forces buffered records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.syncLocked()
}

// Checkpoint appends a checkpoint marker carrying the snapshot generation.
func (w *WAL) Checkpoint(generation uint64) error {
	var e encoder
	e.U64(generation)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.appendLocked(RecCheckpoint, e.buf); err != nil {
		return err
	}
	return w.syncLocked()
}

// Reset deletes every segment and starts a fresh one with the next id.
// Called by the compactor after the new snapshot is durable.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return ioErr("flush", w.segmentPath(), err)
	}
	if err := w.file.Close(); err != nil {
		return ioErr("close", w.segmentPath(), err)
	}
	ids, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		path := filepath.Join(w.dir, segmentName(id))
		if err := os.Remove(path); err != nil {
			return ioErr("remove", path, err)
		}
	}
	if err := w.openSegment(w.segID + 1); err != nil {
		return err
	}
	return syncDir(w.dir)
}

// SegmentCount returns the number of live segments.
func (w *WAL) SegmentCount() int {
	ids, _ := listSegments(w.dir)
	return len(ids)
}

// Bytes returns the total size of all live segments on disk.
func (w *WAL) Bytes() int64 {
	ids, _ := listSegments(w.dir)
	var total int64
	for _, id := range ids {
		if fi, err := os.Stat(filepath.Join(w.dir, segmentName(id))); err == nil {
			total += fi.Size()
		}
	}
	return total
}

func (w *WAL) segmentPath() string {
	return filepath.Join(w.dir, segmentName(w.segID))
}

// Close flushes, syncs, and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.syncLocked()
	cerr := w.file.Close()
	w.mu.Unlock()

	close(w.stopFlush)
	w.flushWG.Wait()

	if err != nil {
		return err
	}
	return cerr
}
