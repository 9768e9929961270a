package checkin

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

// ScanCommand is one scan attempt. Name fields are copied into the record as
// they are; the ledger never looks them up.
type ScanCommand struct {
	TicketID        string
	TicketCode      string
	EventID         string
	EventTitle      string
	ParticipantName string
	ParticipantID   string
	ScannedBy       string
	ScannedByName   string
}

func (c ScanCommand) validate() error {
	for _, f := range []struct{ name, value string }{
		{"ticket_id", c.TicketID},
		{"event_id", c.EventID},
		{"scanned_by", c.ScannedBy},
	} {
		if err := required(f.name, strings.TrimSpace(f.value)); err != nil {
			return err
		}
	}
	return nil
}

// Scan admits a check-in unless the ticket already has an active record.
// The admit decision is the store's conditional insert; a losing concurrent
// attempt gets *AlreadyCheckedInError and is never retried here.
func (s *Service) Scan(ctx context.Context, cmd ScanCommand) (*domain.ScanRecord, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	rec := &domain.ScanRecord{
		ID:              domain.ScanID(uuid.NewString()),
		TicketID:        strings.TrimSpace(cmd.TicketID),
		TicketCode:      domain.NormalizeCode(cmd.TicketCode),
		EventID:         strings.TrimSpace(cmd.EventID),
		EventTitle:      cmd.EventTitle,
		ParticipantName: cmd.ParticipantName,
		ParticipantID:   cmd.ParticipantID,
		ScannedBy:       strings.TrimSpace(cmd.ScannedBy),
		ScannedByName:   cmd.ScannedByName,
		ScannedAt:       s.now(),
		CanUndo:         true,
	}

	if err := beforeWrite(ctx, "scan"); err != nil {
		return nil, err
	}
	sctx, cancel := s.storageCtx(ctx)
	_, err := s.Repo.Append(sctx, rec)
	cancel()

	if errors.Is(err, domain.ErrActiveScanExists) {
		existing, ferr := s.ActiveScan(ctx, rec.TicketID)
		if ferr != nil {
			s.log().Warn("could not load conflicting scan", "ticket_id", rec.TicketID, "error", ferr)
		}
		s.log().Info("check-in rejected: already checked in",
			"ticket_id", rec.TicketID, "event_id", rec.EventID, "scanned_by", rec.ScannedBy)
		return nil, &domain.AlreadyCheckedInError{TicketID: rec.TicketID, Existing: existing}
	}
	if err != nil {
		return nil, s.storageErr("scan", true, err)
	}

	s.log().Info("check-in accepted",
		"scan_id", rec.ID, "ticket_id", rec.TicketID, "event_id", rec.EventID, "scanned_by", rec.ScannedBy)
	return rec, nil
}
