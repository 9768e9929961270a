package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apparchive "github.com/bryanwahyu/checkin-ledger/internal/application/archive"
	appcheckin "github.com/bryanwahyu/checkin-ledger/internal/application/checkin"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/db/sqlite"
	"github.com/bryanwahyu/checkin-ledger/internal/infra/httpserver"
	"github.com/bryanwahyu/checkin-ledger/internal/middleware"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memStore struct{ keys []string }

func (m *memStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	m.keys = append(m.keys, key)
	_, err := io.Copy(io.Discard, body)
	return "https://exports.example/" + key, err
}

type harness struct {
	srv   *httptest.Server
	clock *manualClock
	store *memStore
}

func newHarness(t *testing.T, operators []middleware.Operator) *harness {
	t.Helper()
	pool, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "ledger.db"), PoolSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	repo := sqlite.NewScanRepository(pool)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	h := &harness{clock: &manualClock{now: t0}, store: &memStore{}}
	ledger := &appcheckin.Service{Repo: repo, Clock: h.clock, Policy: appcheckin.Policy{UndoWindow: 5 * time.Minute}}
	h.srv = httptest.NewServer(httpserver.NewRouter(httpserver.Options{
		Ledger:    ledger,
		Archive:   &apparchive.Service{Feed: ledger, Artifacts: h.store, Clock: h.clock},
		Operators: operators,
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.StatusCode, out
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func scanBody(ticket, operator string) map[string]string {
	return map[string]string{
		"ticket_id":        ticket,
		"ticket_code":      "code-" + ticket,
		"event_id":         "E1",
		"event_title":      "Launch Night",
		"participant_name": "Ayu Lestari",
		"scanned_by":       operator,
		"scanned_by_name":  "Gate " + operator,
	}
}

func TestCheckinLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	status, r1 := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "O1"))
	if status != http.StatusCreated || r1["can_undo"] != true {
		t.Fatalf("scan = %d %v", status, r1)
	}

	h.clock.Set(t0.Add(time.Second))
	status, conflict := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "O2"))
	if status != http.StatusConflict || conflict["error"] != "already_checked_in" {
		t.Fatalf("duplicate scan = %d %v", status, conflict)
	}
	if existing, _ := conflict["record"].(map[string]any); existing["id"] != r1["id"] {
		t.Fatalf("conflict should carry R1: %v", conflict["record"])
	}

	status, active := h.do(t, http.MethodGet, "/v1/codes/CODE-T1/checkin", "", nil)
	if status != http.StatusOK || active["id"] != r1["id"] {
		t.Fatalf("lookup by code = %d %v", status, active)
	}

	h.clock.Set(t0.Add(2 * time.Second))
	status, undone := h.do(t, http.MethodPost, "/v1/tickets/T1/undo", "", map[string]string{"undone_by": "O1"})
	if status != http.StatusOK || undone["undone_by"] != "O1" || undone["can_undo"] != false {
		t.Fatalf("undo = %d %v", status, undone)
	}

	status, again := h.do(t, http.MethodPost, "/v1/checkins/"+r1["id"].(string)+"/undo", "", map[string]string{"undone_by": "O1"})
	if status != http.StatusConflict || again["reason"] != string(domain.ReasonAlreadyUndone) {
		t.Fatalf("repeat undo = %d %v", status, again)
	}

	status, _ = h.do(t, http.MethodGet, "/v1/tickets/T1/checkin", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("active scan after undo = %d, want 404", status)
	}

	h.clock.Set(t0.Add(3 * time.Second))
	status, r2 := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "O1"))
	if status != http.StatusCreated || r2["id"] == r1["id"] {
		t.Fatalf("rescan = %d %v", status, r2)
	}

	h.clock.Set(t0.Add(400 * time.Second))
	status, expired := h.do(t, http.MethodPost, "/v1/tickets/T1/undo", "", map[string]string{"undone_by": "O1"})
	if status != http.StatusConflict || expired["reason"] != string(domain.ReasonWindowExpired) {
		t.Fatalf("late undo = %d %v", status, expired)
	}

	status, page := h.do(t, http.MethodGet, "/v1/events/E1/checkins?limit=1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("feed = %d %v", status, page)
	}
	data := page["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["id"] != r2["id"] || page["next_cursor"] == nil {
		t.Fatalf("first feed page = %v", page)
	}
	status, page = h.do(t, http.MethodGet, "/v1/events/E1/checkins?limit=1&cursor="+page["next_cursor"].(string), "", nil)
	data = page["data"].([]any)
	if status != http.StatusOK || len(data) != 1 || data[0].(map[string]any)["id"] != r1["id"] {
		t.Fatalf("second feed page = %d %v", status, page)
	}
	if _, more := page["next_cursor"]; more {
		t.Fatalf("last page should not carry a cursor: %v", page)
	}
}

func TestAuthenticatedOperatorIsRecorded(t *testing.T) {
	h := newHarness(t, []middleware.Operator{{ID: "gate-a", Name: "Gate A", APIKey: "key-a"}})

	status, _ := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "spoofed"))
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous scan = %d", status)
	}

	status, rec := h.do(t, http.MethodPost, "/v1/checkins", "key-a", scanBody("T1", "spoofed"))
	if status != http.StatusCreated || rec["scanned_by"] != "gate-a" || rec["scanned_by_name"] != "Gate A" {
		t.Fatalf("scan = %d %v", status, rec)
	}

	status, page := h.do(t, http.MethodGet, "/v1/operators/gate-a/checkins", "key-a", nil)
	if status != http.StatusOK || len(page["data"].([]any)) != 1 {
		t.Fatalf("operator feed = %d %v", status, page)
	}

	status, _ = h.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health = %d", status)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		field  string
	}{
		{"missing operator", http.MethodPost, "/v1/checkins", map[string]string{"ticket_id": "T1", "event_id": "E1"}, "scanned_by"},
		{"bad ticket id", http.MethodPost, "/v1/checkins", scanBody("T 1", "O1"), "ticket_id"},
		{"bad cursor", http.MethodGet, "/v1/events/E1/checkins?cursor=!!", nil, "cursor"},
		{"bad limit", http.MethodGet, "/v1/events/E1/checkins?limit=ten", nil, "limit"},
		{"undo without actor", http.MethodPost, "/v1/tickets/T1/undo", map[string]string{}, "undone_by"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := h.do(t, tt.method, tt.path, "", tt.body)
			if status != http.StatusBadRequest || out["field"] != tt.field {
				t.Fatalf("%d %v, want 400 on %s", status, out, tt.field)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/checkins", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", resp.StatusCode)
	}
}

func TestExportAndReview(t *testing.T) {
	h := newHarness(t, nil)
	if status, _ := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "O1")); status != http.StatusCreated {
		t.Fatal("scan failed")
	}

	status, m := h.do(t, http.MethodPost, "/v1/events/E1/export", "", nil)
	if status != http.StatusCreated || m["records"] != float64(1) {
		t.Fatalf("export = %d %v", status, m)
	}
	if len(h.store.keys) != 1 || h.store.keys[0] != apparchive.Key("E1", t0.UnixMilli()) {
		t.Fatalf("stored keys = %v", h.store.keys)
	}

	status, out := h.do(t, http.MethodPost, "/v1/events/E1/review", "", nil)
	if status != http.StatusNotImplemented || out["error"] != "not_configured" {
		t.Fatalf("review without client = %d %v", status, out)
	}
}

// stalledRepo blocks writes until the storage deadline passes.
type stalledRepo struct {
	domain.Repository
}

func (stalledRepo) Append(ctx context.Context, r *domain.ScanRecord) (domain.ScanID, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestStalledWriteAnswersOutcomeUnknown(t *testing.T) {
	ledger := &appcheckin.Service{
		Repo:   stalledRepo{},
		Policy: appcheckin.Policy{StorageTimeout: 20 * time.Millisecond},
	}
	srv := httptest.NewServer(httpserver.NewRouter(httpserver.Options{Ledger: ledger}))
	t.Cleanup(srv.Close)
	h := &harness{srv: srv}

	status, out := h.do(t, http.MethodPost, "/v1/checkins", "", scanBody("T1", "O1"))
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", status)
	}
	if out["error"] != "storage_unavailable" || out["outcome_unknown"] != true {
		t.Fatalf("body = %v", out)
	}
}

func TestSnapshotNamesAreStoredAsSent(t *testing.T) {
	h := newHarness(t, nil)
	body := scanBody("T1", "O1")
	body["event_title"] = "  Launch  Night "
	body["participant_name"] = "Ayu\x00 Lestari "

	status, rec := h.do(t, http.MethodPost, "/v1/checkins", "", body)
	if status != http.StatusCreated {
		t.Fatalf("scan = %d %v", status, rec)
	}
	if rec["event_title"] != "  Launch  Night " || rec["participant_name"] != "Ayu Lestari " {
		t.Fatalf("snapshots = %q %q", rec["event_title"], rec["participant_name"])
	}
}
