package checkin

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bryanwahyu/checkin-ledger/internal/application"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

const (
	DefaultUndoWindow     = 5 * time.Minute
	DefaultStorageTimeout = 3 * time.Second
	DefaultFeedPageSize   = 100
	MaxFeedPageSize       = 500
)

// Policy holds the deployment settings of the ledger.
type Policy struct {
	// UndoWindow is how long after a scan it may be reversed.
	UndoWindow time.Duration
	// StorageTimeout bounds every single store call.
	StorageTimeout time.Duration
	// FeedPageSize is the page size used when iterating a feed lazily.
	FeedPageSize int
}

// Service implements the check-in guard, the undo coordinator and the read-side
// feeds on top of a single Repository.
//
// Service holds no locks and is safe for concurrent use: every admit and
// reverse decision is one conditional write in the store. Reads go to whatever
// node the store driver picks, so on a replicated store a feed may briefly lag
// a write that was just acknowledged.
type Service struct {
	Repo   domain.Repository
	Clock  application.Clock
	Policy Policy
	Logger *slog.Logger
}

func (s *Service) undoWindow() time.Duration {
	if s.Policy.UndoWindow <= 0 {
		return DefaultUndoWindow
	}
	return s.Policy.UndoWindow
}

func (s *Service) pageSize() int {
	if s.Policy.FeedPageSize <= 0 {
		return DefaultFeedPageSize
	}
	return s.Policy.FeedPageSize
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return domain.StoreTime(time.Now())
	}
	return domain.StoreTime(s.Clock.Now())
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// storageCtx derives the per-call deadline for one store round-trip.
func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.Policy.StorageTimeout
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// storageErr turns an infrastructure failure into the error the caller sees.
// Ledger decisions (conflict, refusal, not found) pass through untouched. A
// failed write always reports an unknown outcome because the store may have
// applied it after we stopped waiting, including when the caller gave up.
func (s *Service) storageErr(op string, write bool, err error) error {
	var refusal *domain.NotUndoableError
	switch {
	case errors.Is(err, domain.ErrActiveScanExists),
		errors.Is(err, domain.ErrNotFound),
		errors.As(err, &refusal):
		return err
	case errors.Is(err, context.Canceled) && !write:
		return fmt.Errorf("%s: %w", op, err)
	}
	if write || unavailable(err) {
		s.log().Error("ledger store call failed", "op", op, "outcome_unknown", write, "error", err)
		return &domain.StorageUnavailableError{Op: op, OutcomeUnknown: write, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// beforeWrite stops a write whose caller is already gone. Nothing has been
// sent yet, so the outcome is known.
func beforeWrite(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Ping checks the store within the storage timeout.
func (s *Service) Ping(ctx context.Context) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.Repo.Ping(sctx); err != nil {
		return s.storageErr("ping", false, err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return &domain.ValidationError{Field: field, Message: "is required"}
	}
	return nil
}
