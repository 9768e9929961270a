package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/db/sqlite"
)

var base = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func openTestRepo(t *testing.T) (*sqlite.ScanRepository, *sqlite.Pool) {
	t.Helper()
	pool, err := sqlite.Open(sqlite.Config{
		Path:     filepath.Join(t.TempDir(), "ledger.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	repo := sqlite.NewScanRepository(pool)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return repo, pool
}

func record(id, ticket, event, operator string, at time.Time) *domain.ScanRecord {
	return &domain.ScanRecord{
		ID:              domain.ScanID(id),
		TicketID:        ticket,
		TicketCode:      "CODE-" + ticket,
		EventID:         event,
		EventTitle:      "Launch Night",
		ParticipantName: "Ayu Lestari",
		ScannedBy:       operator,
		ScannedByName:   "Gate " + operator,
		ScannedAt:       at,
	}
}

func TestAppendRejectsSecondActiveRecord(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Append(ctx, record("r1", "T1", "E1", "O1", base)); err != nil {
		t.Fatalf("Append r1: %v", err)
	}
	_, err := repo.Append(ctx, record("r2", "T1", "E1", "O2", base.Add(time.Second)))
	if !errors.Is(err, domain.ErrActiveScanExists) {
		t.Fatalf("Append r2 error = %v, want ErrActiveScanExists", err)
	}

	// Other tickets are unaffected.
	if _, err := repo.Append(ctx, record("r3", "T2", "E1", "O1", base)); err != nil {
		t.Fatalf("Append r3: %v", err)
	}
}

func TestFindActiveAndLatest(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	active, err := repo.FindActiveByTicket(ctx, "T1")
	if err != nil || active != nil {
		t.Fatalf("FindActiveByTicket on empty ledger = %v, %v; want nil, nil", active, err)
	}

	if _, err := repo.Append(ctx, record("r1", "T1", "E1", "O1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	active, err = repo.FindActiveByTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("FindActiveByTicket: %v", err)
	}
	if active == nil || active.ID != "r1" {
		t.Fatalf("active = %+v, want r1", active)
	}
	if !active.ScannedAt.Equal(base) {
		t.Errorf("ScannedAt = %v, want %v", active.ScannedAt, base)
	}

	byCode, err := repo.FindActiveByCode(ctx, "CODE-T1")
	if err != nil || byCode == nil || byCode.ID != "r1" {
		t.Fatalf("FindActiveByCode = %+v, %v; want r1", byCode, err)
	}

	if _, err := repo.MarkUndone(ctx, "r1", "O1", base.Add(time.Second), base.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkUndone: %v", err)
	}
	active, err = repo.FindActiveByTicket(ctx, "T1")
	if err != nil || active != nil {
		t.Fatalf("FindActiveByTicket after undo = %v, %v; want nil, nil", active, err)
	}
	latest, err := repo.LatestByTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("LatestByTicket: %v", err)
	}
	if latest == nil || latest.Active() {
		t.Fatalf("latest = %+v, want the undone r1", latest)
	}
}

func TestMarkUndone(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.Append(ctx, record("r1", "T1", "E1", "O1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := repo.Append(ctx, record("r2", "T2", "E1", "O1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	undoneAt := base.Add(2 * time.Second)
	rec, err := repo.MarkUndone(ctx, "r1", "O1", undoneAt, undoneAt.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkUndone: %v", err)
	}
	if rec.UndoneAt == nil || !rec.UndoneAt.Equal(undoneAt) || rec.UndoneBy != "O1" {
		t.Fatalf("undo fields = %v / %q, want %v / O1", rec.UndoneAt, rec.UndoneBy, undoneAt)
	}

	tests := []struct {
		name   string
		id     domain.ScanID
		cutoff time.Time
		want   domain.UndoReason
	}{
		{"second undo", "r1", base.Add(-time.Hour), domain.ReasonAlreadyUndone},
		{"window elapsed", "r2", base, domain.ReasonWindowExpired},
		{"unknown record", "missing", base.Add(-time.Hour), domain.ReasonNoActiveScan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.MarkUndone(ctx, tt.id, "O2", base.Add(time.Hour), tt.cutoff)
			var refusal *domain.NotUndoableError
			if !errors.As(err, &refusal) {
				t.Fatalf("error = %v, want *NotUndoableError", err)
			}
			if refusal.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", refusal.Reason, tt.want)
			}
		})
	}

	// The failed second undo must not have touched the first undo's fields.
	got, err := repo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.UndoneAt.Equal(undoneAt) || got.UndoneBy != "O1" {
		t.Errorf("undo fields changed to %v / %q", got.UndoneAt, got.UndoneBy)
	}
}

func TestUndoFieldsAreWriteOnceInStore(t *testing.T) {
	repo, pool := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.Append(ctx, record("r1", "T1", "E1", "O1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := repo.MarkUndone(ctx, "r1", "O1", base.Add(time.Second), base.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkUndone: %v", err)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)
	err = sqlitex.Execute(conn, "UPDATE checkin_scans SET undone_by = 'intruder' WHERE id = 'r1'", nil)
	if err == nil {
		t.Fatal("rewriting undo fields succeeded, want trigger abort")
	}
}

func TestAppendAfterUndoFreesTicket(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.Append(ctx, record("r1", "T1", "E1", "O1", base)); err != nil {
		t.Fatalf("Append r1: %v", err)
	}
	if _, err := repo.MarkUndone(ctx, "r1", "O1", base.Add(time.Second), base.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkUndone: %v", err)
	}
	if _, err := repo.Append(ctx, record("r2", "T1", "E1", "O1", base.Add(2*time.Second))); err != nil {
		t.Fatalf("Append r2 after undo: %v", err)
	}
}

func TestListByEventPagesNewestFirst(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	for i := range 5 {
		rec := record(fmt.Sprintf("r%d", i), fmt.Sprintf("T%d", i), "E1", "O1", base.Add(time.Duration(i)*time.Second))
		if _, err := repo.Append(ctx, rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	// Same timestamp as r4: ties break on id.
	if _, err := repo.Append(ctx, record("r9", "T9", "E1", "O2", base.Add(4*time.Second))); err != nil {
		t.Fatalf("Append r9: %v", err)
	}
	if _, err := repo.Append(ctx, record("x1", "X1", "E2", "O1", base)); err != nil {
		t.Fatalf("Append x1: %v", err)
	}

	var got []domain.ScanID
	var after domain.Cursor
	for {
		page, err := repo.ListByEvent(ctx, "E1", after, 2)
		if err != nil {
			t.Fatalf("ListByEvent: %v", err)
		}
		for _, r := range page {
			got = append(got, r.ID)
		}
		if len(page) < 2 {
			break
		}
		after = domain.After(page[len(page)-1])
	}

	want := []domain.ScanID{"r9", "r4", "r3", "r2", "r1", "r0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event feed = %v, want %v", got, want)
	}

	byOperator, err := repo.ListByOperator(ctx, "O2", domain.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ListByOperator: %v", err)
	}
	if len(byOperator) != 1 || byOperator[0].ID != "r9" {
		t.Errorf("operator feed = %v, want [r9]", byOperator)
	}
}

func TestConcurrentAppendAdmitsOne(t *testing.T) {
	repo, _ := openTestRepo(t)

	const attempts = 8
	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)
	for i := range attempts {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := repo.Append(context.Background(), record(fmt.Sprintf("r%d", i), "T1", "E1", "O1", base))
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	var admitted, conflicts int
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, domain.ErrActiveScanExists):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || conflicts != attempts-1 {
		t.Errorf("admitted=%d conflicts=%d, want 1 and %d", admitted, conflicts, attempts-1)
	}
}
