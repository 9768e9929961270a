package checkin

import (
	"strings"
	"time"
)

// ScanID identifies a single scan record
type ScanID string

// ScanRecord is one check-in event in the ledger. Name fields are snapshots
// copied at scan time and are never re-synced from the catalog.
type ScanRecord struct {
	ID              ScanID     `json:"id"`
	TicketID        string     `json:"ticket_id"`
	TicketCode      string     `json:"ticket_code"`
	EventID         string     `json:"event_id"`
	EventTitle      string     `json:"event_title"`
	ParticipantName string     `json:"participant_name"`
	ParticipantID   string     `json:"participant_id,omitempty"`
	ScannedBy       string     `json:"scanned_by"`
	ScannedByName   string     `json:"scanned_by_name"`
	ScannedAt       time.Time  `json:"scanned_at"`
	CanUndo         bool       `json:"can_undo"`
	UndoneAt        *time.Time `json:"undone_at,omitempty"`
	UndoneBy        string     `json:"undone_by,omitempty"`
}

// Active reports whether the record has not been reversed.
func (r *ScanRecord) Active() bool { return r.UndoneAt == nil }

// UndoDeadline is the first instant at which the record can no longer be undone.
func (r *ScanRecord) UndoDeadline(window time.Duration) time.Time {
	return r.ScannedAt.Add(window)
}

// Undoable reports whether the record may still be reversed at now.
func (r *ScanRecord) Undoable(now time.Time, window time.Duration) bool {
	return r.Active() && now.Before(r.UndoDeadline(window))
}

// RefreshCanUndo recomputes CanUndo against the given clock reading.
// CanUndo is never persisted; every read path derives it.
func (r *ScanRecord) RefreshCanUndo(now time.Time, window time.Duration) {
	r.CanUndo = r.Undoable(now, window)
}

// NormalizeCode upper-cases and trims a printed ticket code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StoreTime truncates a timestamp to the precision every ledger backend keeps.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
