package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

// MySQL has no partial indexes, so the "one active record per ticket" rule
// lives on a stored generated column that is NULL once a scan is undone.
// NULLs never collide in a UNIQUE key.
var schema = []string{`
CREATE TABLE IF NOT EXISTS checkin_scans (
  id               VARCHAR(36)  NOT NULL,
  ticket_id        VARCHAR(64)  NOT NULL,
  ticket_code      VARCHAR(64)  NOT NULL,
  event_id         VARCHAR(64)  NOT NULL,
  event_title      VARCHAR(255) NOT NULL,
  participant_name VARCHAR(255) NOT NULL,
  participant_id   VARCHAR(64)  NULL,
  scanned_by       VARCHAR(64)  NOT NULL,
  scanned_by_name  VARCHAR(255) NOT NULL,
  scanned_at       DATETIME(6)  NOT NULL,
  undone_at        DATETIME(6)  NULL,
  undone_by        VARCHAR(64)  NULL,
  active_ticket_id VARCHAR(64) GENERATED ALWAYS AS (IF(undone_at IS NULL, ticket_id, NULL)) STORED,
  active_code      VARCHAR(64) GENERATED ALWAYS AS (IF(undone_at IS NULL, ticket_code, NULL)) STORED,
  PRIMARY KEY (id),
  UNIQUE KEY uq_checkin_active_ticket (active_ticket_id),
  KEY idx_checkin_active_code (active_code),
  KEY idx_checkin_ticket_time (ticket_id, scanned_at),
  KEY idx_checkin_event_time (event_id, scanned_at, id),
  KEY idx_checkin_operator_time (scanned_by, scanned_at, id),
  CONSTRAINT chk_checkin_undo_order CHECK (undone_at IS NULL OR undone_at >= scanned_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
}

const columns = `id, ticket_id, ticket_code, event_id, event_title, participant_name, participant_id,
 scanned_by, scanned_by_name, scanned_at, undone_at, undone_by`

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Migrate creates the ledger table and its indexes
func (r *ScanRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: migrate: %w", err)
		}
	}
	return nil
}

func (r *ScanRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Append inserts a record; uq_checkin_active_ticket rejects a second active one
func (r *ScanRepository) Append(ctx context.Context, s *domain.ScanRecord) (domain.ScanID, error) {
	const q = `
INSERT INTO checkin_scans (` + columns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?);`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.TicketID, s.TicketCode, s.EventID, s.EventTitle,
		s.ParticipantName, nullString(s.ParticipantID),
		s.ScannedBy, s.ScannedByName, s.ScannedAt,
		nullTime(s.UndoneAt), nullString(s.UndoneBy),
	)
	if isDuplicateKey(err) {
		return "", domain.ErrActiveScanExists
	}
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}
	return s.ID, nil
}

// Get by ID
func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans WHERE id=? LIMIT 1;`
	s, err := scanOne(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *ScanRepository) FindActiveByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans WHERE active_ticket_id=? LIMIT 1;`
	return r.optional(ctx, q, ticketID)
}

func (r *ScanRepository) FindActiveByCode(ctx context.Context, ticketCode string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans
WHERE active_code=? ORDER BY scanned_at DESC, id DESC LIMIT 1;`
	return r.optional(ctx, q, ticketCode)
}

func (r *ScanRepository) LatestByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans
WHERE ticket_id=? ORDER BY scanned_at DESC, id DESC LIMIT 1;`
	return r.optional(ctx, q, ticketID)
}

// MarkUndone sets the undo fields with one conditional UPDATE. MySQL has no
// RETURNING, so the row is read back afterwards; undo fields never change
// again once set, so that read cannot observe a different outcome.
func (r *ScanRepository) MarkUndone(ctx context.Context, id domain.ScanID, undoneBy string, at, cutoff time.Time) (*domain.ScanRecord, error) {
	const q = `
UPDATE checkin_scans
SET undone_at = ?, undone_by = ?
WHERE id = ? AND undone_at IS NULL AND scanned_at > ?;`
	res, err := r.db.ExecContext(ctx, q, at, undoneBy, id, cutoff)
	if err != nil {
		return nil, fmt.Errorf("marking scan undone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.UndoRefusal(nil)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.UndoRefusal(current)
	}
	return current, nil
}

func (r *ScanRepository) ListByEvent(ctx context.Context, eventID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "event_id", eventID, after, limit)
}

func (r *ScanRepository) ListByOperator(ctx context.Context, operatorID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "scanned_by", operatorID, after, limit)
}

// list is cursor-based pagination over (key, scanned_at, id)
func (r *ScanRepository) list(ctx context.Context, keyColumn, key string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + columns + ` FROM checkin_scans WHERE ` + keyColumn + `=?`
	args := []interface{}{key}
	if !after.IsZero() {
		query += `
  AND (scanned_at < ? OR (scanned_at = ? AND id < ?))`
		args = append(args, after.ScannedAt, after.ScannedAt, after.ID)
	}
	query += `
ORDER BY scanned_at DESC, id DESC
LIMIT ?;`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScanRecord
	for rows.Next() {
		s, err := scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScanRepository) optional(ctx context.Context, q string, args ...interface{}) (*domain.ScanRecord, error) {
	s, err := scanOne(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row rowScanner) (*domain.ScanRecord, error) {
	var s domain.ScanRecord
	var participantID, undoneBy sql.NullString
	var undoneAt sql.NullTime
	if err := row.Scan(
		&s.ID, &s.TicketID, &s.TicketCode, &s.EventID, &s.EventTitle,
		&s.ParticipantName, &participantID,
		&s.ScannedBy, &s.ScannedByName, &s.ScannedAt,
		&undoneAt, &undoneBy,
	); err != nil {
		return nil, err
	}
	s.ParticipantID = participantID.String
	s.UndoneBy = undoneBy.String
	s.ScannedAt = s.ScannedAt.UTC()
	if undoneAt.Valid {
		t := undoneAt.Time.UTC()
		s.UndoneAt = &t
	}
	return &s, nil
}
