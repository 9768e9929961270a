package review

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bryanwahyu/checkin-ledger/internal/application"
	"github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/review"
)

// Feed is the read side of the ledger the reviewer walks.
type Feed interface {
	EventFeed(ctx context.Context, eventID string) iter.Seq2[*checkin.ScanRecord, error]
}

// Service asks a model to audit the scan and undo activity of an event.
// Only aggregates are sent; participant fields never leave the process.
type Service struct {
	Feed   Feed
	Client domain.Client
	Clock  application.Clock
	Logger *slog.Logger
}

// Enabled reports whether a review client is configured.
func (s *Service) Enabled() bool { return s != nil && s.Client != nil }

// Review builds the digest of eventID and attaches the model's note.
// An event without scans is reported without calling the model.
func (s *Service) Review(ctx context.Context, eventID string) (*domain.Report, error) {
	if !s.Enabled() {
		return nil, domain.ErrDisabled
	}
	d, err := s.Digest(ctx, eventID)
	if err != nil {
		return nil, err
	}

	rep := &domain.Report{Digest: d, ReviewedAt: s.now()}
	if d.Scans == 0 {
		rep.Note = "No check-ins recorded for this event."
		return rep, nil
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("review: marshal digest: %w", err)
	}
	note, err := s.Client.Review(ctx, string(payload))
	if err != nil {
		s.log().Warn("ledger review failed", "event_id", d.EventID, "error", err)
		return nil, fmt.Errorf("review %s: %w", d.EventID, err)
	}
	rep.Note = note
	s.log().Info("ledger reviewed", "event_id", d.EventID, "scans", d.Scans, "undone", d.Undone)
	return rep, nil
}

// Digest aggregates the event feed in one pass.
func (s *Service) Digest(ctx context.Context, eventID string) (domain.Digest, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.Digest{}, &checkin.ValidationError{Field: "event_id", Message: "is required"}
	}

	d := domain.Digest{EventID: eventID}
	ops := map[string]*domain.OperatorActivity{}
	operator := func(id, name string) *domain.OperatorActivity {
		a, ok := ops[id]
		if !ok {
			a = &domain.OperatorActivity{OperatorID: id}
			ops[id] = a
		}
		if a.OperatorName == "" {
			a.OperatorName = name
		}
		return a
	}
	perTicket := map[string]int{}
	var latencies []float64

	for rec, err := range s.Feed.EventFeed(ctx, eventID) {
		if err != nil {
			return domain.Digest{}, err
		}
		if d.EventTitle == "" {
			d.EventTitle = rec.EventTitle
		}
		d.Scans++
		perTicket[rec.TicketID]++
		operator(rec.ScannedBy, rec.ScannedByName).Scans++

		if !rec.Active() {
			d.Undone++
			operator(rec.UndoneBy, "").Undos++
			latencies = append(latencies, rec.UndoneAt.Sub(rec.ScannedAt).Seconds())
		}
	}

	for _, n := range perTicket {
		if n > 1 {
			d.Rescanned++
		}
	}
	d.MedianUndoSecs = median(latencies)

	d.Operators = make([]domain.OperatorActivity, 0, len(ops))
	for _, a := range ops {
		d.Operators = append(d.Operators, *a)
	}
	slices.SortFunc(d.Operators, func(a, b domain.OperatorActivity) int {
		if a.Scans != b.Scans {
			return b.Scans - a.Scans
		}
		return strings.Compare(a.OperatorID, b.OperatorID)
	})
	return d, nil
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	slices.Sort(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[mid]
	}
	return (xs[mid-1] + xs[mid]) / 2
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return application.SystemClock{}.Now()
	}
	return s.Clock.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}
