package wal

// ============================================================================
// WAL Utilities
// Responsibility: offline inspection of a log file (used by NewWAL and the CLI)
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// GetLastRecord returns the last record of the file at path.
// Returns ErrEmptyWAL when the file holds no records.
func GetLastRecord(path string) (*Record, error) {
	var last *Record
	err := replayFile(path, 0, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// Stats summarizes a log file.
type Stats struct {
	Records  int
	ByType   map[RecordType]int
	FirstSeq uint64
	LastSeq  uint64
	First    time.Time
	Last     time.Time
}

// ValidateWAL checks every record's checksum and that seq strictly increases
// without gaps.
func ValidateWAL(path string) (*Stats, error) {
	st := &Stats{ByType: make(map[RecordType]int)}
	err := replayFile(path, 0, func(rec Record) error {
		if st.Records > 0 && rec.Seq != st.LastSeq+1 {
			return fmt.Errorf("wal: seq gap: %d follows %d", rec.Seq, st.LastSeq)
		}
		if st.Records == 0 {
			st.FirstSeq = rec.Seq
			st.First = time.UnixMilli(rec.Timestamp)
		}
		st.Records++
		st.ByType[rec.Type]++
		st.LastSeq = rec.Seq
		st.Last = time.UnixMilli(rec.Timestamp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DumpWAL writes every record to w as indented JSON.
func DumpWAL(path string, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return replayFile(path, 0, func(rec Record) error {
		return enc.Encode(rec)
	})
}
