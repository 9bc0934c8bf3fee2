package storage

// On-disk snapshot format. Little-endian throughout.
//
// Header (64 bytes):
//
//	[16] magic
//	u32  format version
//	u32  flags
//	u64  generation
//	u64  total length
//	u64  section-table offset
//	u64  next node id
//	u64  next commit timestamp
//
// Section table: u32 entry count, then per entry
//
//	u16 section id || [6] reserved || u64 offset || u64 length || u64 xxhash64
//
// Section ids 0..20 are fixed for cross-generation compatibility; 21 is a
// RayDB extension.

// SectionID identifies one snapshot section.
type SectionID uint16

const (
	SecHeader         SectionID = 0
	SecStringBytes    SectionID = 1
	SecStringOffsets  SectionID = 2
	SecLabels         SectionID = 3
	SecEtypes         SectionID = 4
	SecPropKeys       SectionID = 5
	SecNodeIDToPhys   SectionID = 6
	SecPhysToNodeID   SectionID = 7
	SecNodeKeyString  SectionID = 8
	SecOutOffsets     SectionID = 9
	SecOutEtype       SectionID = 10
	SecOutDst         SectionID = 11
	SecInOffsets      SectionID = 12
	SecInSrc          SectionID = 13
	SecInEtype        SectionID = 14
	SecNodeProps      SectionID = 15
	SecEdgeProps      SectionID = 16
	SecVectorManifest SectionID = 17
	SecVectorFragment SectionID = 18
	SecVectorIndex    SectionID = 19
	SecVectorNodeMap  SectionID = 20
	SecNodeLabels     SectionID = 21
)

const (
	snapshotMagic   = "RAYDBSNAPSHOT\x00\x00\x00"
	snapshotVersion = 1

	headerSize       = 64
	sectionEntrySize = 32
	flagHasInCSR     = 1 << 0

	// noString marks "no key" in the per-node key-string section.
	noString = 0xFFFFFFFF

	// CurrentSnapshotName is the file readers open; generation files sit
	// beside it as snapshot.<gen>.bin.
	CurrentSnapshotName = "current.bin"

	walDirName   = "wal"
	lockFileName = "lock"
)
