package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nasync/nasync/internal/db"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS transfer_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL,
	action     TEXT NOT NULL,
	origin     TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL, -- RFC3339
	ended_at   TEXT NOT NULL  -- RFC3339
);
CREATE INDEX IF NOT EXISTS idx_transfer_history_path ON transfer_history(path);
CREATE INDEX IF NOT EXISTS idx_transfer_history_ended ON transfer_history(ended_at);
`

// TransferRecord is one row of the transfer log.
type TransferRecord struct {
	ID        int64
	Path      string
	Action    string // upload, download, delete-remote, delete-local
	Origin    string
	Size      int64
	Status    string // ok, failed, skipped
	Detail    string
	StartedAt time.Time
	EndedAt   time.Time
}

type transferRow struct {
	ID        int64  `db:"id"`
	Path      string `db:"path"`
	Action    string `db:"action"`
	Origin    string `db:"origin"`
	Size      int64  `db:"size"`
	Status    string `db:"status"`
	Detail    string `db:"detail"`
	StartedAt string `db:"started_at"`
	EndedAt   string `db:"ended_at"`
}

func (r *transferRow) record() *TransferRecord {
	started, _ := time.Parse(time.RFC3339Nano, r.StartedAt)
	ended, _ := time.Parse(time.RFC3339Nano, r.EndedAt)
	return &TransferRecord{
		ID:        r.ID,
		Path:      r.Path,
		Action:    r.Action,
		Origin:    r.Origin,
		Size:      r.Size,
		Status:    r.Status,
		Detail:    r.Detail,
		StartedAt: started,
		EndedAt:   ended,
	}
}

// History is an append-only sqlite log of every transfer the engine
// performed or failed. It is diagnostic data, not sync state: losing it
// never affects correctness.
type History struct {
	db *sqlx.DB
}

// OpenHistory opens (and migrates) the transfer log at path.
// Use ":memory:" in tests.
func OpenHistory(path string) (*History, error) {
	sdb, err := db.NewSqliteDb(
		db.WithPath(path),
		db.WithMaxOpenConns(1),
	)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := sdb.Exec(historySchema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &History{db: sdb}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record appends one transfer outcome.
func (h *History) Record(ctx context.Context, rec *TransferRecord) error {
	const q = `INSERT INTO transfer_history
		(path, action, origin, size, status, detail, started_at, ended_at)
		VALUES (:path, :action, :origin, :size, :status, :detail, :started_at, :ended_at)`

	row := &transferRow{
		Path:      rec.Path,
		Action:    rec.Action,
		Origin:    rec.Origin,
		Size:      rec.Size,
		Status:    rec.Status,
		Detail:    rec.Detail,
		StartedAt: rec.StartedAt.Format(time.RFC3339Nano),
		EndedAt:   rec.EndedAt.Format(time.RFC3339Nano),
	}
	if _, err := h.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Recent returns the last n transfers, newest first.
func (h *History) Recent(ctx context.Context, n int) ([]*TransferRecord, error) {
	const q = `SELECT * FROM transfer_history ORDER BY id DESC LIMIT ?`
	var rows []*transferRow
	if err := h.db.SelectContext(ctx, &rows, q, n); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	recs := make([]*TransferRecord, len(rows))
	for i, row := range rows {
		recs[i] = row.record()
	}
	return recs, nil
}

// LastActivity returns when the engine last completed any transfer
// successfully, or the zero time if it never has.
func (h *History) LastActivity(ctx context.Context) (time.Time, error) {
	const q = `SELECT ended_at FROM transfer_history
		WHERE status = 'ok' ORDER BY id DESC LIMIT 1`

	var ended string
	err := h.db.GetContext(ctx, &ended, q)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query history: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ended)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse history timestamp: %w", err)
	}
	return t, nil
}

// LastSyncedAt returns when path last transferred successfully, or the zero
// time if it never did.
func (h *History) LastSyncedAt(ctx context.Context, path string) (time.Time, error) {
	const q = `SELECT ended_at FROM transfer_history
		WHERE path = ? AND status = 'ok' ORDER BY id DESC LIMIT 1`

	var ended string
	err := h.db.GetContext(ctx, &ended, q, path)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query history: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ended)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse history timestamp: %w", err)
	}
	return t, nil
}
