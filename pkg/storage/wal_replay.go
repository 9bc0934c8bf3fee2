package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// WAL replay. Segments are read in id order; operation records are buffered
// until their commit barrier and only then applied, so a crash mid-commit
// discards the partial batch. A CRC or framing failure truncates the segment
// at that point; because rotation happens only between commits, replay of
// the following segments resumes at a clean batch boundary. Replay is
// idempotent: replaying the same WAL twice produces the same state.

// replaySink receives replayed batches.
type replaySink interface {
	// applyBatch applies one durably committed batch. commitTs is the
	// barrier's timestamp.
	applyBatch(records []walRecord, commitTs uint64) error
	// checkpoint observes a checkpoint marker.
	checkpoint(generation uint64)
}

// replayResult summarizes one replay pass.
type replayResult struct {
	maxCommitTs uint64
	batches     int
	diagnostics []string
	// truncations maps segment id → offset of the last durable byte.
	// Segments with discarded partial commits or corrupt tails are
	// physically truncated there before the WAL reopens for append.
	truncations map[uint64]int64
}

func replayWAL(dir string, sink replaySink) (*replayResult, error) {
	res := &replayResult{truncations: make(map[uint64]int64)}
	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := replaySegment(dir, id, sink, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func replaySegment(dir string, segID uint64, sink replaySink, res *replayResult) error {
	path := filepath.Join(dir, segmentName(segID))
	f, err := os.Open(path)
	if err != nil {
		return ioErr("open", path, err)
	}
	defer f.Close()

	var batch []walRecord
	var offset int64
	batchStart := int64(0)

	for {
		rec, n, err := readRecord(f, segID, offset)
		if err == io.EOF {
			// Clean end of segment. A pending batch never got its
			// barrier; discard it and truncate it away.
			if len(batch) > 0 {
				res.diagnostics = append(res.diagnostics,
					"discarded partial commit at end of segment "+segmentName(segID))
				res.truncations[segID] = batchStart
			}
			return nil
		}
		var corrupt *CorruptWALRecordError
		if errors.As(err, &corrupt) {
			// Torn write or damage: the segment ends here. Anything
			// buffered before the damage is discarded with it.
			res.diagnostics = append(res.diagnostics, corrupt.Error())
			if len(batch) > 0 {
				res.diagnostics = append(res.diagnostics,
					"discarded partial commit before corruption in "+segmentName(segID))
				res.truncations[segID] = batchStart
			} else {
				res.truncations[segID] = offset
			}
			return nil
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			batchStart = offset
		}
		offset += n

		switch rec.typ {
		case RecCommitBarrier:
			d := newDecoder(rec.payload)
			commitTs := d.U64()
			if d.failed() {
				res.diagnostics = append(res.diagnostics,
					"discarded commit with malformed barrier in "+segmentName(segID))
				batch = batch[:0]
				continue
			}
			if err := sink.applyBatch(batch, commitTs); err != nil {
				return err
			}
			if commitTs > res.maxCommitTs {
				res.maxCommitTs = commitTs
			}
			res.batches++
			batch = batch[:0]
		case RecCheckpoint:
			d := newDecoder(rec.payload)
			sink.checkpoint(d.U64())
		default:
			batch = append(batch, rec)
		}
	}
}

// readRecord decodes one framed record. Returns io.EOF at a clean end,
// CorruptWALRecordError on torn or damaged frames.
func readRecord(f *os.File, segID uint64, offset int64) (walRecord, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		if err == io.EOF {
			return walRecord{}, 0, io.EOF
		}
		// A torn length prefix reads as corruption, not as clean EOF.
		return walRecord{}, 0, &CorruptWALRecordError{
			Segment: segID, Offset: offset, Reason: "torn length prefix"}
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < 5 || length > 1<<30 {
		return walRecord{}, 0, &CorruptWALRecordError{
			Segment: segID, Offset: offset, Reason: "implausible record length"}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f, body); err != nil {
		return walRecord{}, 0, &CorruptWALRecordError{
			Segment: segID, Offset: offset, Reason: "truncated record body"}
	}

	typ := RecordType(body[0])
	want := binary.LittleEndian.Uint32(body[1:5])
	payload := body[5:]

	crc := crc32.NewIEEE()
	crc.Write(body[:1])
	crc.Write(payload)
	if crc.Sum32() != want {
		return walRecord{}, 0, &CorruptWALRecordError{
			Segment: segID, Offset: offset, Reason: "crc mismatch"}
	}

	return walRecord{typ: typ, payload: payload, segment: segID, offset: offset},
		int64(4 + length), nil
}
