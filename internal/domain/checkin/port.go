package checkin

import (
	"context"
	"time"
)

// Repository port for the ledger store. Implementations must enforce the
// one-active-record-per-ticket rule inside the store itself (unique index or
// equivalent), since several service instances may write concurrently.
type Repository interface {
	// Append inserts r. It returns ErrActiveScanExists when the store rejects
	// the row because r.TicketID already has an active record.
	Append(ctx context.Context, r *ScanRecord) (ScanID, error)

	Get(ctx context.Context, id ScanID) (*ScanRecord, error)

	// FindActiveByTicket returns nil, nil when the ticket has no active record.
	FindActiveByTicket(ctx context.Context, ticketID string) (*ScanRecord, error)
	FindActiveByCode(ctx context.Context, ticketCode string) (*ScanRecord, error)

	// LatestByTicket returns the most recent record for the ticket, active or not.
	LatestByTicket(ctx context.Context, ticketID string) (*ScanRecord, error)

	// MarkUndone sets the undo fields of id in one conditional write that only
	// matches an active record scanned after cutoff. When nothing matches it
	// returns a *NotUndoableError built with UndoRefusal.
	MarkUndone(ctx context.Context, id ScanID, undoneBy string, at, cutoff time.Time) (*ScanRecord, error)

	ListByEvent(ctx context.Context, eventID string, after Cursor, limit int) ([]*ScanRecord, error)
	ListByOperator(ctx context.Context, operatorID string, after Cursor, limit int) ([]*ScanRecord, error)

	Ping(ctx context.Context) error
}
