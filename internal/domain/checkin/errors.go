package checkin

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by the store when a record id does not exist.
	ErrNotFound = errors.New("scan record not found")

	// ErrActiveScanExists is returned by Append when the ticket already holds
	// a non-reversed record.
	ErrActiveScanExists = errors.New("ticket already has an active scan")
)

// AlreadyCheckedInError rejects a scan on a ticket that is already checked in.
// Existing may be nil when the conflicting record was reversed between the
// rejected insert and the follow-up read.
type AlreadyCheckedInError struct {
	TicketID string
	Existing *ScanRecord
}

func (e *AlreadyCheckedInError) Error() string {
	if e.Existing == nil {
		return fmt.Sprintf("ticket %s already checked in", e.TicketID)
	}
	return fmt.Sprintf("ticket %s already checked in at %s by %s",
		e.TicketID, e.Existing.ScannedAt.Format(time.RFC3339), operatorLabel(e.Existing))
}

func (e *AlreadyCheckedInError) Is(target error) bool { return target == ErrActiveScanExists }

func operatorLabel(r *ScanRecord) string {
	if r.ScannedByName != "" {
		return r.ScannedByName
	}
	return r.ScannedBy
}

// UndoReason tells the caller why an undo was refused
type UndoReason string

const (
	ReasonNoActiveScan  UndoReason = "no_active_scan"
	ReasonAlreadyUndone UndoReason = "already_undone"
	ReasonWindowExpired UndoReason = "window_expired"
)

// NotUndoableError rejects an undo request.
type NotUndoableError struct {
	Reason   UndoReason
	TicketID string
	ScanID   ScanID
	// Record is the record the undo was aimed at, when one exists.
	Record *ScanRecord
}

func (e *NotUndoableError) Error() string {
	target := e.TicketID
	if target == "" {
		target = string(e.ScanID)
	}
	switch e.Reason {
	case ReasonAlreadyUndone:
		return fmt.Sprintf("scan for %s already undone", target)
	case ReasonWindowExpired:
		return fmt.Sprintf("undo window for %s has expired", target)
	default:
		return fmt.Sprintf("no active scan for %s", target)
	}
}

// UndoRefusal classifies a failed conditional undo from the record as it
// stands after the update. A missing record means nothing was active.
func UndoRefusal(r *ScanRecord) *NotUndoableError {
	if r == nil {
		return &NotUndoableError{Reason: ReasonNoActiveScan}
	}
	e := &NotUndoableError{TicketID: r.TicketID, ScanID: r.ID, Record: r, Reason: ReasonWindowExpired}
	if !r.Active() {
		e.Reason = ReasonAlreadyUndone
	}
	return e
}

// StorageUnavailableError reports that the ledger store could not answer in
// time. When OutcomeUnknown is set the write may still have been applied and
// the caller must re-query before trying again.
type StorageUnavailableError struct {
	Op             string
	OutcomeUnknown bool
	Err            error
}

func (e *StorageUnavailableError) Error() string {
	if e.OutcomeUnknown {
		return fmt.Sprintf("%s: ledger store unavailable, outcome unknown: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: ledger store unavailable: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// ValidationError is returned for malformed commands.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
