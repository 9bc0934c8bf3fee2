package storage

import (
	"strconv"
	"time"
)

// MVCC subsystem: transaction records, version chains, visibility, and
// first-writer-wins conflict detection.
//
// Version chains are singly linked newest-first with strictly decreasing
// commit timestamps. The first post-snapshot mutation of a key seeds a base
// record at commitTs 0 carrying the prior state, so a chain — once it
// exists — answers reads at every timestamp on its own. Keys without a
// chain resolve through the merged snapshot∪delta view, which always holds
// the latest committed state.

// VersionedRecord is one link of a version chain.
type VersionedRecord struct {
	Data     PropValue
	TxID     uint64
	CommitTs uint64
	Prev     *VersionedRecord
	Deleted  bool
}

// Version-chain / conflict keys. One logical entity per key: node
// existence, edge existence, one property of one node or edge, plus the
// unique-key namespace used only for conflict detection.
func nodeKey(id NodeID) string {
	return "n:" + strconv.FormatUint(uint64(id), 10)
}

func edgeKeyStr(k EdgeKey) string {
	return "e:" + strconv.FormatUint(uint64(k.Src), 10) +
		":" + strconv.FormatUint(uint64(k.Etype), 10) +
		":" + strconv.FormatUint(uint64(k.Dst), 10)
}

func nodePropKey(id NodeID, key PropKeyID) string {
	return "np:" + strconv.FormatUint(uint64(id), 10) +
		":" + strconv.FormatUint(uint64(key), 10)
}

func edgePropKeyStr(k EdgeKey, key PropKeyID) string {
	return "ep:" + strconv.FormatUint(uint64(k.Src), 10) +
		":" + strconv.FormatUint(uint64(k.Etype), 10) +
		":" + strconv.FormatUint(uint64(k.Dst), 10) +
		":" + strconv.FormatUint(uint64(key), 10)
}

func uniqueKeyKey(key string) string { return "k:" + key }

// TxStatus is the lifecycle state of a transaction.
type TxStatus uint8

const (
	TxActive TxStatus = iota
	TxCommitted
	TxAborted
)

// TxInfo describes one transaction for the enumeration API.
type TxInfo struct {
	ID      uint64
	StartTs uint64
	Status  TxStatus
	Ops     int
}

type committedWrite struct {
	ts   uint64
	txID uint64
}

type rateSample struct {
	wall time.Time
	ts   uint64
}

// txManager owns the monotonic counters, the active-transaction table, the
// committed-write index used for conflict detection, and the version
// chains. All mutation happens under the engine's writer lock.
type txManager struct {
	nextTxID     uint64
	nextCommitTs uint64

	active    map[uint64]*Tx
	committed map[uint64]*Tx

	committedWrites map[string]committedWrite
	chains          map[string]*VersionedRecord

	writesSinceGC  int64
	versionsPruned int64
	rateSamples    []rateSample
}

func newTxManager(nextCommitTs uint64) *txManager {
	if nextCommitTs == 0 {
		nextCommitTs = 1
	}
	return &txManager{
		nextTxID:        1,
		nextCommitTs:    nextCommitTs,
		active:          make(map[uint64]*Tx),
		committed:       make(map[uint64]*Tx),
		committedWrites: make(map[string]committedWrite),
		chains:          make(map[string]*VersionedRecord),
	}
}

// minActiveTs is the minimum start timestamp of any active transaction, or
// nextCommitTs when none is active.
func (m *txManager) minActiveTs() uint64 {
	min := m.nextCommitTs
	for _, tx := range m.active {
		if tx.startTs < min {
			min = tx.startTs
		}
	}
	return min
}

// resolve walks a chain newest-first for the first version visible at ts.
// found=false means the key has no chain and the caller must consult the
// merged view.
func (m *txManager) resolve(key string, ts uint64) (*VersionedRecord, bool) {
	head := m.chains[key]
	if head == nil {
		return nil, false
	}
	for v := head; v != nil; v = v.Prev {
		if v.CommitTs <= ts {
			return v, true
		}
	}
	// Chains are seeded with a commitTs-0 base, so this only happens for
	// a chain whose base was pruned — every surviving reader is newer.
	return nil, true
}

// hasChain reports whether the key is version-tracked.
func (m *txManager) hasChain(key string) bool {
	return m.chains[key] != nil
}

// appendVersion pushes a new head. seedBase supplies the pre-mutation state
// (value, existed) and runs only when the key gains its first chain.
func (m *txManager) appendVersion(key string, val PropValue, deleted bool, txID, commitTs uint64, seedBase func() (PropValue, bool)) {
	head := m.chains[key]
	if head == nil && seedBase != nil {
		prior, existed := seedBase()
		head = &VersionedRecord{Data: prior, CommitTs: 0, Deleted: !existed}
	}
	m.chains[key] = &VersionedRecord{
		Data:     val,
		TxID:     txID,
		CommitTs: commitTs,
		Prev:     head,
		Deleted:  deleted,
	}
}

// checkConflict applies first-writer-wins: a key committed by someone else
// after the transaction's read point conflicts. startTs is the last
// committed timestamp at begin, so strictly-greater means "landed while
// this transaction was running".
func (m *txManager) checkConflict(tx *Tx) *WriteConflictError {
	for key := range tx.writeSet {
		if cw, ok := m.committedWrites[key]; ok {
			if cw.ts > tx.startTs && cw.txID != tx.id {
				return &WriteConflictError{Key: key, ConflictingCommitTs: cw.ts}
			}
		}
	}
	return nil
}

// indexWrites records the transaction's write set for later conflict
// checks.
func (m *txManager) indexWrites(tx *Tx, commitTs uint64) {
	for key := range tx.writeSet {
		m.committedWrites[key] = committedWrite{ts: commitTs, txID: tx.id}
	}
	m.writesSinceGC += int64(len(tx.writeSet))
}

// finishCommit retires the transaction record: eagerly when nothing else is
// active, otherwise it lingers for GC.
func (m *txManager) finishCommit(tx *Tx) {
	delete(m.active, tx.id)
	if len(m.active) > 0 {
		m.committed[tx.id] = tx
	}
}

// retentionDelta converts the wall-clock retention into a commit-timestamp
// delta by observing the recent commit rate. Returns false until enough
// history exists to estimate.
func (m *txManager) retentionDelta(retention time.Duration) (uint64, bool) {
	now := time.Now()
	m.rateSamples = append(m.rateSamples, rateSample{wall: now, ts: m.nextCommitTs})
	if len(m.rateSamples) > 32 {
		m.rateSamples = m.rateSamples[len(m.rateSamples)-32:]
	}
	oldest := m.rateSamples[0]
	elapsed := now.Sub(oldest.wall)
	if elapsed <= 0 || m.nextCommitTs <= oldest.ts {
		return 0, len(m.rateSamples) > 1
	}
	rate := float64(m.nextCommitTs-oldest.ts) / elapsed.Seconds()
	return uint64(rate * retention.Seconds()), true
}

// gc prunes chain suffixes no active transaction can observe: everything
// older than the newest record at or below cutoff. That record stays — it
// is the visible version for a reader at cutoff — and the head is always
// retained. Truncation is by nil-ing Prev at the newest retained record.
// Returns the number of records pruned.
func (m *txManager) gc(cutoff uint64) int64 {
	pruned := int64(0)
	for _, head := range m.chains {
		for v := head; v != nil; v = v.Prev {
			if v.CommitTs <= cutoff {
				for drop := v.Prev; drop != nil; drop = drop.Prev {
					pruned++
				}
				v.Prev = nil
				break
			}
		}
	}

	// Committed transaction records and conflict-index entries below the
	// cutoff can no longer matter to anyone.
	for id, tx := range m.committed {
		if tx.commitTs <= cutoff {
			delete(m.committed, id)
		}
	}
	for key, cw := range m.committedWrites {
		if cw.ts < m.minActiveTs() {
			delete(m.committedWrites, key)
		}
	}

	m.writesSinceGC = 0
	m.versionsPruned += pruned
	return pruned
}

// enumerate lists transactions for external tooling (timeout layers and
// diagnostics).
func (m *txManager) enumerate() []TxInfo {
	out := make([]TxInfo, 0, len(m.active)+len(m.committed))
	for _, tx := range m.active {
		out = append(out, TxInfo{ID: tx.id, StartTs: tx.startTs, Status: TxActive, Ops: len(tx.records)})
	}
	for _, tx := range m.committed {
		out = append(out, TxInfo{ID: tx.id, StartTs: tx.startTs, Status: TxCommitted, Ops: len(tx.records)})
	}
	return out
}

// chainCount reports the number of live version chains.
func (m *txManager) chainCount() int { return len(m.chains) }
