package wal

// ============================================================================
// WAL Core
// Responsibility:
// 1. Append records to the log file (append-only), durably, before the
//    caller publishes the change
// 2. Replay records to rebuild state after a restart
// 3. Rotate the log around a snapshot in two phases:
//      Rotate  seals the live file as <path>.sealed and starts a new one
//      Archive gzips the sealed file once the snapshot is durable
//    Until Archive runs, Replay reads the sealed file before the live one, so
//    a crash between the two phases loses nothing.
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// FileInterface defines the file operations the WAL needs.
// This allows mocking file operations in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

/*
NewWAL creates or opens a WAL.

Behavior:
- If the file does not exist it is created and seq starts at 0
- If the file exists, seq continues from its last record
- Opened with O_APPEND so writes never overwrite
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	for _, p := range []string{sealedPath(path), path} {
		last, err := GetLastRecord(p)
		switch {
		case err == nil:
			if last.Seq > seq {
				seq = last.Seq
			}
		case errors.Is(err, ErrEmptyWAL), os.IsNotExist(err):
		default:
			file.Close()
			return nil, err
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append assigns the next seq, checksums and writes rec. When Append returns
// nil the record is on disk (and fsynced if syncOnAppend).
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	rec.Seq = w.seq + 1
	if rec.Timestamp == 0 {
		rec.Timestamp = w.now().UnixMilli()
	}
	sum, err := CalculateChecksum(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: checksum seq=%d: %w", rec.Seq, err)
	}
	rec.Checksum = sum

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: encode seq=%d: %w", rec.Seq, err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", rec.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: seq=%d: %v", ErrSyncFailed, rec.Seq, err)
		}
	}

	w.seq = rec.Seq
	return rec.Seq, nil
}

// AppendTransition logs a case transition with the post-transition case.
func (w *WAL) AppendTransition(ev types.TransitionEvent, c *types.Case) (uint64, error) {
	return w.Append(Record{
		Type:      RecordTransition,
		CaseID:    string(ev.CaseID),
		Timestamp: ev.Timestamp.UnixMilli(),
		Event:     &ev,
		Case:      c,
	})
}

// AppendMask logs a mask add or remove.
func (w *WAL) AppendMask(typ RecordType, m *types.Mask) (uint64, error) {
	if typ != RecordMaskAdd && typ != RecordMaskRemove {
		return 0, fmt.Errorf("wal: %s is not a mask record", typ)
	}
	return w.Append(Record{Type: typ, CaseID: string(m.CaseID), Mask: m})
}

// Replay reads every record in order, verifies its checksum and calls
// handler. Records with Seq <= afterSeq are skipped; they are already in the
// snapshot. The sealed segment, if any, is read before the live file. The
// first corrupt record or handler error stops the replay.
func (w *WAL) Replay(afterSeq uint64, handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range []string{sealedPath(w.path), w.path} {
		if err := replayFile(p, afterSeq, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, afterSeq uint64, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	var lastSeq uint64
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: uerr}
			}
			if verr := VerifyChecksum(rec); verr != nil {
				return verr
			}
			if rec.Seq > afterSeq {
				if herr := handler(rec); herr != nil {
					return fmt.Errorf("wal: apply seq=%d: %w", rec.Seq, herr)
				}
			}
			lastSeq = rec.Seq
		}
		offset += int64(len(line))
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// AdvanceTo raises the sequence counter to at least seq. Recovery calls it
// with the snapshot's LastSeq so numbering never goes backwards after a
// rotation emptied the file.
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Rotate seals the current file and starts an empty log. It returns the
// last sequence number in the sealed segment: a snapshot taken after Rotate
// covers at least that far. The sequence counter is kept.
//
// A segment left sealed by an earlier, unfinished rotation is archived first.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.archiveLocked(); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(w.path, sealedPath(w.path)); err != nil {
		return 0, err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	w.file = newFile
	return w.seq, nil
}

// Archive compresses the sealed segment to <path>.<timestamp>.gz and removes
// it. Call it only after the snapshot covering the segment is on disk.
func (w *WAL) Archive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.archiveLocked()
}

func (w *WAL) archiveLocked() error {
	sealed := sealedPath(w.path)
	if _, err := os.Stat(sealed); os.IsNotExist(err) {
		return nil
	}
	archive := w.path + "." + w.now().Format("20060102_150405.000") + ".gz"
	if err := compressWALFile(sealed, archive); err != nil {
		return fmt.Errorf("wal: compress %s: %w", sealed, err)
	}
	return os.Remove(sealed)
}

func sealedPath(path string) string { return path + ".sealed" }

// Close syncs and closes the WAL. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq returns the current sequence number.
// Snapshots record it so recovery knows where replay starts.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the active log file path.
func (w *WAL) Path() string { return w.path }

// compressWALFile gzips srcPath into dstPath.
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
