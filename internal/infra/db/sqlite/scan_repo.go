package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkin_scans (
  id               TEXT PRIMARY KEY,
  ticket_id        TEXT NOT NULL,
  ticket_code      TEXT NOT NULL,
  event_id         TEXT NOT NULL,
  event_title      TEXT NOT NULL,
  participant_name TEXT NOT NULL,
  participant_id   TEXT,
  scanned_by       TEXT NOT NULL,
  scanned_by_name  TEXT NOT NULL,
  scanned_at       INTEGER NOT NULL,
  undone_at        INTEGER,
  undone_by        TEXT,
  CHECK (undone_at IS NULL OR undone_at >= scanned_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_checkin_active_ticket
  ON checkin_scans(ticket_id) WHERE undone_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_checkin_ticket_time ON checkin_scans(ticket_id, scanned_at);
CREATE INDEX IF NOT EXISTS idx_checkin_event_time ON checkin_scans(event_id, scanned_at, id);
CREATE INDEX IF NOT EXISTS idx_checkin_operator_time ON checkin_scans(scanned_by, scanned_at, id);
CREATE INDEX IF NOT EXISTS idx_checkin_active_code
  ON checkin_scans(ticket_code) WHERE undone_at IS NULL;
CREATE TRIGGER IF NOT EXISTS trg_checkin_undo_write_once
  BEFORE UPDATE OF undone_at, undone_by ON checkin_scans
  WHEN OLD.undone_at IS NOT NULL
BEGIN
  SELECT RAISE(ABORT, 'undo fields are write-once');
END;
`

const columns = `id, ticket_id, ticket_code, event_id, event_title, participant_name, participant_id,
 scanned_by, scanned_by_name, scanned_at, undone_at, undone_by`

type ScanRepository struct {
	pool *Pool
}

func NewScanRepository(pool *Pool) *ScanRepository {
	return &ScanRepository{pool: pool}
}

// Migrate creates the ledger table, its indexes and the write-once trigger.
func (r *ScanRepository) Migrate(ctx context.Context) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

func (r *ScanRepository) Ping(ctx context.Context) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// Append inserts a record; the partial unique index rejects a second active
// record for the same ticket.
func (r *ScanRepository) Append(ctx context.Context, rec *domain.ScanRecord) (_ domain.ScanID, err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer endTransaction(&err)

	const q = `
INSERT INTO checkin_scans (` + columns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
	err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
		Args: []any{
			string(rec.ID), rec.TicketID, rec.TicketCode, rec.EventID, rec.EventTitle,
			rec.ParticipantName, nullString(rec.ParticipantID),
			rec.ScannedBy, rec.ScannedByName, rec.ScannedAt.UnixMicro(),
			nullTime(rec.UndoneAt), nullString(rec.UndoneBy),
		},
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
		return "", domain.ErrActiveScanExists
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: append scan: %w", err)
	}
	return rec.ID, nil
}

func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)
	return getScan(conn, id)
}

func getScan(conn *sqlite.Conn, id domain.ScanID) (*domain.ScanRecord, error) {
	rec, err := queryOne(conn, `SELECT `+columns+` FROM checkin_scans WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (r *ScanRepository) FindActiveByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	return r.one(ctx, `SELECT `+columns+` FROM checkin_scans WHERE ticket_id = ? AND undone_at IS NULL`, ticketID)
}

func (r *ScanRepository) FindActiveByCode(ctx context.Context, ticketCode string) (*domain.ScanRecord, error) {
	return r.one(ctx, `SELECT `+columns+` FROM checkin_scans
WHERE ticket_code = ? AND undone_at IS NULL
ORDER BY scanned_at DESC, id DESC LIMIT 1`, ticketCode)
}

func (r *ScanRepository) LatestByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	return r.one(ctx, `SELECT `+columns+` FROM checkin_scans
WHERE ticket_id = ?
ORDER BY scanned_at DESC, id DESC LIMIT 1`, ticketID)
}

// MarkUndone is a single conditional UPDATE; the WHERE clause carries the
// whole undo decision.
func (r *ScanRepository) MarkUndone(ctx context.Context, id domain.ScanID, undoneBy string, at, cutoff time.Time) (_ *domain.ScanRecord, err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin mark undone: %w", err)
	}
	defer endTransaction(&err)

	const q = `
UPDATE checkin_scans
SET undone_at = ?, undone_by = ?
WHERE id = ? AND undone_at IS NULL AND scanned_at > ?
RETURNING ` + columns
	rec, err := queryOne(conn, q, at.UnixMicro(), undoneBy, string(id), cutoff.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("sqlite: mark undone: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	current, err := getScan(conn, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.UndoRefusal(nil)
	}
	if err != nil {
		return nil, err
	}
	return nil, domain.UndoRefusal(current)
}

func (r *ScanRepository) ListByEvent(ctx context.Context, eventID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "event_id", eventID, after, limit)
}

func (r *ScanRepository) ListByOperator(ctx context.Context, operatorID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "scanned_by", operatorID, after, limit)
}

// list pages through one of the two (key, scanned_at, id) indexes.
func (r *ScanRepository) list(ctx context.Context, keyColumn, key string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	query := `SELECT ` + columns + ` FROM checkin_scans WHERE ` + keyColumn + ` = ?`
	args := []any{key}
	if !after.IsZero() {
		at := after.ScannedAt.UnixMicro()
		query += ` AND (scanned_at < ? OR (scanned_at = ? AND id < ?))`
		args = append(args, at, at, string(after.ID))
	}
	query += ` ORDER BY scanned_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []*domain.ScanRecord
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: list by %s: %w", keyColumn, err)
	}
	return out, nil
}

func (r *ScanRepository) one(ctx context.Context, query string, args ...any) (*domain.ScanRecord, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)
	return queryOne(conn, query, args...)
}

// queryOne returns nil, nil when the query yields no row.
func queryOne(conn *sqlite.Conn, query string, args ...any) (*domain.ScanRecord, error) {
	var rec *domain.ScanRecord
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec = scanRow(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanRow(stmt *sqlite.Stmt) *domain.ScanRecord {
	rec := &domain.ScanRecord{
		ID:              domain.ScanID(stmt.ColumnText(0)),
		TicketID:        stmt.ColumnText(1),
		TicketCode:      stmt.ColumnText(2),
		EventID:         stmt.ColumnText(3),
		EventTitle:      stmt.ColumnText(4),
		ParticipantName: stmt.ColumnText(5),
		ParticipantID:   stmt.ColumnText(6),
		ScannedBy:       stmt.ColumnText(7),
		ScannedByName:   stmt.ColumnText(8),
		ScannedAt:       time.UnixMicro(stmt.ColumnInt64(9)).UTC(),
		UndoneBy:        stmt.ColumnText(11),
	}
	if !stmt.ColumnIsNull(10) {
		t := time.UnixMicro(stmt.ColumnInt64(10)).UTC()
		rec.UndoneAt = &t
	}
	return rec
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}
