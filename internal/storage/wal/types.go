package wal

import "github.com/ChuLiYu/docflow/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: the on-disk record of every case and mask mutation
// ============================================================================

// RecordType defines WAL record types
type RecordType string

const (
	RecordTransition RecordType = "TRANSITION"  // Case state change (incl. ingest)
	RecordMaskAdd    RecordType = "MASK_ADD"    // Mask stored
	RecordMaskRemove RecordType = "MASK_REMOVE" // Mask deleted
)

// Record is one WAL line. Transition records carry the case as it is after
// the change, so replaying a record is an idempotent upsert.
type Record struct {
	Seq       uint64     `json:"seq"`       // Monotonically increasing, survives rotation
	Type      RecordType `json:"type"`      // Record type
	CaseID    string     `json:"case_id"`   // Affected case (originating case for masks)
	Timestamp int64      `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32     `json:"checksum"`  // CRC32 over the record with Checksum = 0

	Event *types.TransitionEvent `json:"event,omitempty"`
	Case  *types.Case            `json:"case,omitempty"`
	Mask  *types.Mask            `json:"mask,omitempty"`
}

// RecordHandler applies one replayed record to in-memory state.
// A non-nil error aborts Replay.
type RecordHandler func(rec Record) error
