package checkin

import (
	"context"
	"errors"
	"strings"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

// UndoCommand targets either the active scan of a ticket or one scan record.
// ScanID wins when both are set.
type UndoCommand struct {
	TicketID string
	ScanID   domain.ScanID
	UndoneBy string
}

// UndoTicket reverses the active scan of ticketID.
func (s *Service) UndoTicket(ctx context.Context, ticketID, undoneBy string) (*domain.ScanRecord, error) {
	return s.Undo(ctx, UndoCommand{TicketID: ticketID, UndoneBy: undoneBy})
}

// UndoScan reverses the scan record id.
func (s *Service) UndoScan(ctx context.Context, id domain.ScanID, undoneBy string) (*domain.ScanRecord, error) {
	return s.Undo(ctx, UndoCommand{ScanID: id, UndoneBy: undoneBy})
}

// Undo reverses exactly one scan while it is inside the undo window. The
// reversal itself is a single conditional update; a repeated request after
// success fails with ReasonAlreadyUndone.
func (s *Service) Undo(ctx context.Context, cmd UndoCommand) (*domain.ScanRecord, error) {
	cmd.TicketID = strings.TrimSpace(cmd.TicketID)
	if err := required("undone_by", strings.TrimSpace(cmd.UndoneBy)); err != nil {
		return nil, err
	}
	if cmd.TicketID == "" && cmd.ScanID == "" {
		return nil, &domain.ValidationError{Field: "ticket_id", Message: "ticket_id or scan id is required"}
	}

	target, err := s.undoTarget(ctx, cmd)
	if err != nil {
		return nil, s.refused(cmd, err)
	}

	now := s.now()
	window := s.undoWindow()
	at := now
	if at.Before(target.ScannedAt) {
		// another instance's clock ran ahead; keep scannedAt <= undoneAt
		at = target.ScannedAt
	}

	if err := beforeWrite(ctx, "undo"); err != nil {
		return nil, err
	}
	sctx, cancel := s.storageCtx(ctx)
	rec, err := s.Repo.MarkUndone(sctx, target.ID, cmd.UndoneBy, at, now.Add(-window))
	cancel()
	if err != nil {
		var refusal *domain.NotUndoableError
		if errors.As(err, &refusal) {
			return nil, s.refused(cmd, refusal)
		}
		return nil, s.storageErr("undo", true, err)
	}

	rec.RefreshCanUndo(now, window)
	s.log().Info("check-in undone",
		"scan_id", rec.ID, "ticket_id", rec.TicketID, "undone_by", rec.UndoneBy)
	return rec, nil
}

// undoTarget finds the record an undo aims at without deciding anything; the
// decision belongs to MarkUndone.
func (s *Service) undoTarget(ctx context.Context, cmd UndoCommand) (*domain.ScanRecord, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if cmd.ScanID != "" {
		rec, err := s.Repo.Get(sctx, cmd.ScanID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.NotUndoableError{Reason: domain.ReasonNoActiveScan, ScanID: cmd.ScanID}
		}
		if err != nil {
			return nil, s.storageErr("undo", false, err)
		}
		if !rec.Active() {
			return nil, domain.UndoRefusal(rec)
		}
		return rec, nil
	}

	rec, err := s.Repo.FindActiveByTicket(sctx, cmd.TicketID)
	if err != nil {
		return nil, s.storageErr("undo", false, err)
	}
	if rec != nil {
		return rec, nil
	}

	latest, err := s.Repo.LatestByTicket(sctx, cmd.TicketID)
	if err != nil {
		return nil, s.storageErr("undo", false, err)
	}
	if latest == nil {
		return nil, &domain.NotUndoableError{Reason: domain.ReasonNoActiveScan, TicketID: cmd.TicketID}
	}
	if latest.Active() {
		// a fresh scan landed between the two reads
		return latest, nil
	}
	return nil, domain.UndoRefusal(latest)
}

// refused fills in the request identity on a refusal and logs it. Other
// errors are returned unchanged.
func (s *Service) refused(cmd UndoCommand, err error) error {
	var refusal *domain.NotUndoableError
	if !errors.As(err, &refusal) {
		return err
	}
	if refusal.TicketID == "" {
		refusal.TicketID = cmd.TicketID
	}
	if refusal.ScanID == "" {
		refusal.ScanID = cmd.ScanID
	}
	if refusal.Record != nil {
		refusal.Record.RefreshCanUndo(s.now(), s.undoWindow())
	}
	s.log().Info("undo rejected",
		"reason", refusal.Reason, "ticket_id", refusal.TicketID, "scan_id", refusal.ScanID, "undone_by", cmd.UndoneBy)
	return refusal
}
