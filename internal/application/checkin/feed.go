package checkin

import (
	"context"
	"iter"
	"strings"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

type lister func(ctx context.Context, key string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error)

// ActiveScan returns the current record of a ticket, or nil when it has none.
func (s *Service) ActiveScan(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	rec, err := s.Repo.FindActiveByTicket(sctx, strings.TrimSpace(ticketID))
	if err != nil {
		return nil, s.storageErr("active scan", false, err)
	}
	if rec != nil {
		rec.RefreshCanUndo(s.now(), s.undoWindow())
	}
	return rec, nil
}

// ActiveScanByCode is ActiveScan keyed by the printed ticket code.
func (s *Service) ActiveScanByCode(ctx context.Context, code string) (*domain.ScanRecord, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	rec, err := s.Repo.FindActiveByCode(sctx, domain.NormalizeCode(code))
	if err != nil {
		return nil, s.storageErr("active scan by code", false, err)
	}
	if rec != nil {
		rec.RefreshCanUndo(s.now(), s.undoWindow())
	}
	return rec, nil
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	rec, err := s.Repo.Get(sctx, id)
	if err != nil {
		return nil, s.storageErr("get scan", false, err)
	}
	rec.RefreshCanUndo(s.now(), s.undoWindow())
	return rec, nil
}

// EventFeed yields every record of an event, newest first. Each range over
// the sequence starts again from the newest record.
func (s *Service) EventFeed(ctx context.Context, eventID string) iter.Seq2[*domain.ScanRecord, error] {
	return s.feed(ctx, "event feed", eventID, s.Repo.ListByEvent)
}

// OperatorFeed yields every record scanned by an operator, newest first.
func (s *Service) OperatorFeed(ctx context.Context, operatorID string) iter.Seq2[*domain.ScanRecord, error] {
	return s.feed(ctx, "operator feed", operatorID, s.Repo.ListByOperator)
}

// EventPage returns one page of the event feed after the cursor token.
func (s *Service) EventPage(ctx context.Context, eventID, token string, limit int) (domain.Page, error) {
	return s.page(ctx, "event feed", eventID, token, limit, s.Repo.ListByEvent)
}

// OperatorPage returns one page of the operator feed after the cursor token.
func (s *Service) OperatorPage(ctx context.Context, operatorID, token string, limit int) (domain.Page, error) {
	return s.page(ctx, "operator feed", operatorID, token, limit, s.Repo.ListByOperator)
}

func (s *Service) feed(ctx context.Context, op, key string, list lister) iter.Seq2[*domain.ScanRecord, error] {
	return func(yield func(*domain.ScanRecord, error) bool) {
		size := s.pageSize()
		var after domain.Cursor
		for {
			batch, err := s.list(ctx, op, key, after, size, list)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range batch {
				if !yield(r, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}
			after = domain.After(batch[len(batch)-1])
		}
	}
}

func (s *Service) page(ctx context.Context, op, key, token string, limit int, list lister) (domain.Page, error) {
	after, err := domain.ParseCursor(token)
	if err != nil {
		return domain.Page{}, err
	}
	if limit <= 0 {
		limit = s.pageSize()
	}
	if limit > MaxFeedPageSize {
		limit = MaxFeedPageSize
	}

	// one extra row tells us whether another page exists
	batch, err := s.list(ctx, op, key, after, limit+1, list)
	if err != nil {
		return domain.Page{}, err
	}
	page := domain.Page{Data: batch}
	if len(batch) > limit {
		page.Data = batch[:limit]
		page.NextCursor = domain.After(page.Data[limit-1]).Encode()
	}
	if page.Data == nil {
		page.Data = []*domain.ScanRecord{}
	}
	return page, nil
}

func (s *Service) list(ctx context.Context, op, key string, after domain.Cursor, limit int, list lister) ([]*domain.ScanRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &domain.ValidationError{Field: "id", Message: "is required"}
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	batch, err := list(sctx, key, after, limit)
	if err != nil {
		return nil, s.storageErr(op, false, err)
	}
	now, window := s.now(), s.undoWindow()
	for _, r := range batch {
		r.RefreshCanUndo(now, window)
	}
	return batch, nil
}
