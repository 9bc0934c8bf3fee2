package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed error structs below carry diagnostic payloads and
// unwrap to these sentinels so callers can match with errors.Is.
var (
	ErrNotFound     = errors.New("raydb: not found")
	ErrClosed       = errors.New("raydb: store closed")
	ErrTxClosed     = errors.New("raydb: transaction closed")
	ErrResourceBusy = errors.New("raydb: data directory locked by another process")
	ErrCorrupt      = errors.New("raydb: corrupt data")
	ErrConflict     = errors.New("raydb: write conflict")
	ErrInvalid      = errors.New("raydb: invalid argument")
)

// CorruptSectionError reports a snapshot section that failed to parse or
// verify. Readers never proceed past a corrupt section.
type CorruptSectionError struct {
	Section SectionID
	Offset  int64
	Reason  string
}

func (e *CorruptSectionError) Error() string {
	return fmt.Sprintf("raydb: corrupt snapshot section %d at offset %d: %s",
		e.Section, e.Offset, e.Reason)
}

func (e *CorruptSectionError) Unwrap() error { return ErrCorrupt }

// CorruptWALRecordError reports a CRC or length mismatch in a WAL segment.
type CorruptWALRecordError struct {
	Segment uint64
	Offset  int64
	Reason  string
}

func (e *CorruptWALRecordError) Error() string {
	return fmt.Sprintf("raydb: corrupt wal record in segment %d at offset %d: %s",
		e.Segment, e.Offset, e.Reason)
}

func (e *CorruptWALRecordError) Unwrap() error { return ErrCorrupt }

// WriteConflictError aborts a commit under first-writer-wins conflict
// detection: another transaction committed a write to the same key after
// this transaction began.
type WriteConflictError struct {
	Key                 string
	ConflictingCommitTs uint64
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("raydb: write conflict on %q (conflicting commit ts %d)",
		e.Key, e.ConflictingCommitTs)
}

func (e *WriteConflictError) Unwrap() error { return ErrConflict }

// KeyExistsError rejects a createNode whose unique key is already live.
type KeyExistsError struct {
	Key string
}

func (e *KeyExistsError) Error() string {
	return fmt.Sprintf("raydb: node key %q already exists", e.Key)
}

func (e *KeyExistsError) Unwrap() error { return ErrInvalid }

// InvalidArgumentError reports a caller mistake: bad dimensions, empty
// query, unknown id, and similar.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "raydb: invalid argument: " + e.Reason
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalid }

// IoError wraps an OS-level failure with the operation and path.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("raydb: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Path: path, Err: err}
}
