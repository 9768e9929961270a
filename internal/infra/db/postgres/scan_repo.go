package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

const activeTicketIndex = "uq_checkin_active_ticket"

var schema = []string{`
CREATE TABLE IF NOT EXISTS checkin_scans (
  id               TEXT PRIMARY KEY,
  ticket_id        TEXT NOT NULL,
  ticket_code      TEXT NOT NULL,
  event_id         TEXT NOT NULL,
  event_title      TEXT NOT NULL,
  participant_name TEXT NOT NULL,
  participant_id   TEXT NULL,
  scanned_by       TEXT NOT NULL,
  scanned_by_name  TEXT NOT NULL,
  scanned_at       TIMESTAMPTZ NOT NULL,
  undone_at        TIMESTAMPTZ NULL,
  undone_by        TEXT NULL,
  CONSTRAINT chk_checkin_undo_order CHECK (undone_at IS NULL OR undone_at >= scanned_at),
  CONSTRAINT chk_checkin_undo_pair CHECK ((undone_at IS NULL) = (undone_by IS NULL))
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + activeTicketIndex + `
  ON checkin_scans (ticket_id) WHERE undone_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_checkin_active_code
  ON checkin_scans (ticket_code) WHERE undone_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_checkin_ticket_time ON checkin_scans (ticket_id, scanned_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_checkin_event_time ON checkin_scans (event_id, scanned_at DESC, id DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_checkin_operator_time ON checkin_scans (scanned_by, scanned_at DESC, id DESC);`,
}

const columns = `id, ticket_id, ticket_code, event_id, event_title, participant_name, participant_id,
 scanned_by, scanned_by_name, scanned_at, undone_at, undone_by`

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Migrate creates the ledger table, the partial unique index and the feed indexes
func (r *ScanRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (r *ScanRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Append inserts a record; the partial unique index is the check-in guard
func (r *ScanRepository) Append(ctx context.Context, s *domain.ScanRecord) (domain.ScanID, error) {
	const q = `
INSERT INTO checkin_scans (` + columns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.TicketID, s.TicketCode, s.EventID, s.EventTitle,
		s.ParticipantName, nullString(s.ParticipantID),
		s.ScannedBy, s.ScannedByName, s.ScannedAt,
		nullTime(s.UndoneAt), nullString(s.UndoneBy),
	)
	if isUniqueViolation(err, activeTicketIndex) {
		return "", domain.ErrActiveScanExists
	}
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}
	return s.ID, nil
}

// Get by ID
func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans WHERE id=$1 LIMIT 1;`
	s, err := scanOne(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

func (r *ScanRepository) FindActiveByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans WHERE ticket_id=$1 AND undone_at IS NULL LIMIT 1;`
	return r.optional(ctx, q, ticketID)
}

func (r *ScanRepository) FindActiveByCode(ctx context.Context, ticketCode string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans
WHERE ticket_code=$1 AND undone_at IS NULL
ORDER BY scanned_at DESC, id DESC LIMIT 1;`
	return r.optional(ctx, q, ticketCode)
}

func (r *ScanRepository) LatestByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	const q = `SELECT ` + columns + ` FROM checkin_scans
WHERE ticket_id=$1
ORDER BY scanned_at DESC, id DESC LIMIT 1;`
	return r.optional(ctx, q, ticketID)
}

// MarkUndone is one conditional UPDATE ... RETURNING; no row means refused
func (r *ScanRepository) MarkUndone(ctx context.Context, id domain.ScanID, undoneBy string, at, cutoff time.Time) (*domain.ScanRecord, error) {
	const q = `
UPDATE checkin_scans
SET undone_at = $1, undone_by = $2
WHERE id = $3 AND undone_at IS NULL AND scanned_at > $4
RETURNING ` + columns + `;`
	s, err := scanOne(r.db.QueryRowContext(ctx, q, at, undoneBy, id, cutoff))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("marking scan undone: %w", err)
	}

	current, err := r.Get(ctx, id)
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

// list is cursor-based pagination (after scanned_at, id) on one feed index
func (r *ScanRepository) list(ctx context.Context, keyColumn, key string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + columns + ` FROM checkin_scans WHERE ` + keyColumn + `=$1`
	args := []interface{}{key}
	next := 2
	if !after.IsZero() {
		query += fmt.Sprintf(`
  AND (scanned_at, id) < ($%d, $%d)`, next, next+1)
		args = append(args, after.ScannedAt, after.ID)
		next += 2
	}
	query += fmt.Sprintf(`
ORDER BY scanned_at DESC, id DESC
LIMIT $%d;`, next)
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
