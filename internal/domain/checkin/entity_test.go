package checkin

import (
	"errors"
	"testing"
	"time"
)

func TestUndoable(t *testing.T) {
	scanned := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	window := 5 * time.Minute
	undone := scanned.Add(time.Minute)

	tests := []struct {
		name string
		rec  ScanRecord
		now  time.Time
		want bool
	}{
		{"inside window", ScanRecord{ScannedAt: scanned}, scanned.Add(window - time.Microsecond), true},
		{"at deadline", ScanRecord{ScannedAt: scanned}, scanned.Add(window), false},
		{"already undone", ScanRecord{ScannedAt: scanned, UndoneAt: &undone}, scanned.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rec.RefreshCanUndo(tt.now, window)
			if tt.rec.CanUndo != tt.want {
				t.Errorf("CanUndo = %v, want %v", tt.rec.CanUndo, tt.want)
			}
		})
	}
}

func TestUndoRefusal(t *testing.T) {
	undone := time.Now()
	tests := []struct {
		rec  *ScanRecord
		want UndoReason
	}{
		{nil, ReasonNoActiveScan},
		{&ScanRecord{ID: "s1", TicketID: "T1", UndoneAt: &undone}, ReasonAlreadyUndone},
		{&ScanRecord{ID: "s1", TicketID: "T1"}, ReasonWindowExpired},
	}
	for _, tt := range tests {
		if got := UndoRefusal(tt.rec); got.Reason != tt.want {
			t.Errorf("UndoRefusal(%+v) = %s, want %s", tt.rec, got.Reason, tt.want)
		}
	}
}

func TestAlreadyCheckedInMatchesSentinel(t *testing.T) {
	err := error(&AlreadyCheckedInError{TicketID: "T1"})
	if !errors.Is(err, ErrActiveScanExists) {
		t.Fatal("errors.Is(AlreadyCheckedInError, ErrActiveScanExists) = false")
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  ab-12x \n"); got != "AB-12X" {
		t.Errorf("NormalizeCode = %q", got)
	}
}
