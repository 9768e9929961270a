package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bryanwahyu/checkin-ledger/internal/application"
	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/archive"
	"github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

const contentType = "application/zstd"

// Feed is the read side of the ledger the exporter walks.
type Feed interface {
	EventFeed(ctx context.Context, eventID string) iter.Seq2[*checkin.ScanRecord, error]
}

// Service exports an event's ledger as zstd-compressed JSON lines.
type Service struct {
	Feed      Feed
	Artifacts domain.ArtifactStore
	Clock     application.Clock
	Logger    *slog.Logger
}

// Key is the object key of an export taken at unix millisecond ts.
func Key(eventID string, ts int64) string {
	return fmt.Sprintf("exports/%s/%d.jsonl.zst", eventID, ts)
}

// Export snapshots the event feed, newest record first, and uploads it.
// Records are written as they are read from the store so CanUndo reflects
// the moment of export.
func (s *Service) Export(ctx context.Context, eventID string) (*domain.Manifest, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, &checkin.ValidationError{Field: "event_id", Message: "is required"}
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("export: zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	m := &domain.Manifest{EventID: eventID}
	for rec, err := range s.Feed.EventFeed(ctx, eventID) {
		if err != nil {
			zw.Close()
			return nil, err
		}
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return nil, fmt.Errorf("export: encode record %s: %w", rec.ID, err)
		}
		m.Records++
		if !rec.Active() {
			m.Undone++
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: flush: %w", err)
	}

	m.ExportedAt = s.now()
	m.Key = Key(eventID, m.ExportedAt.UnixMilli())
	m.Bytes = int64(buf.Len())

	url, err := s.Artifacts.Put(ctx, m.Key, bytes.NewReader(buf.Bytes()), m.Bytes, contentType)
	if err != nil {
		return nil, fmt.Errorf("export: upload %s: %w", m.Key, err)
	}
	m.URL = url

	s.log().Info("ledger exported",
		"event_id", eventID, "key", m.Key, "records", m.Records, "undone", m.Undone, "bytes", m.Bytes)
	return m, nil
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

// ReadExport decodes an export produced by Export.
func ReadExport(r io.Reader) ([]*checkin.ScanRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []*checkin.ScanRecord
	dec := json.NewDecoder(zr)
	for {
		var rec checkin.ScanRecord
		if err := dec.Decode(&rec); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("read export: %w", err)
		}
		out = append(out, &rec)
	}
}
