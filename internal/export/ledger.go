package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	_ "modernc.org/sqlite"
)

// Ledger remembers which cases have been delivered downstream. It is written
// right after the exporter succeeds and read before the exporter is called,
// so a crash between delivery and the state transition never exports twice.
type Ledger interface {
	Lookup(ctx context.Context, id types.CaseID) (ref string, ok bool, err error)
	Record(ctx context.Context, id types.CaseID, ref string) error
	Close() error
}

// SQLiteLedger stores the ledger in a single SQLite table.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS export_ledger (
  case_id     TEXT PRIMARY KEY,
  export_ref  TEXT NOT NULL,
  exported_at INTEGER NOT NULL
);`

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

// Lookup returns the recorded ref for id, if any.
func (l *SQLiteLedger) Lookup(ctx context.Context, id types.CaseID) (string, bool, error) {
	var ref string
	err := l.db.QueryRowContext(ctx,
		`SELECT export_ref FROM export_ledger WHERE case_id = ?`, string(id)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup ledger: %w", err)
	}
	return ref, true, nil
}

// Record stores ref for id. The first ref recorded for a case wins.
func (l *SQLiteLedger) Record(ctx context.Context, id types.CaseID, ref string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO export_ledger (case_id, export_ref, exported_at) VALUES (?, ?, ?)
		 ON CONFLICT(case_id) DO NOTHING`,
		string(id), ref, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record ledger: %w", err)
	}
	return nil
}

// Count returns the number of recorded exports.
func (l *SQLiteLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
