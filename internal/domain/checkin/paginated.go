package checkin

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a keyset position in a feed ordered by scanned_at DESC, id DESC.
// The zero Cursor starts from the newest record.
type Cursor struct {
	ScannedAt time.Time
	ID        ScanID
}

func (c Cursor) IsZero() bool { return c.ID == "" && c.ScannedAt.IsZero() }

// After returns the cursor positioned just past r.
func After(r *ScanRecord) Cursor { return Cursor{ScannedAt: r.ScannedAt, ID: r.ID} }

// Encode renders the cursor as an opaque token for API callers.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.ScannedAt.UnixMicro(), 10) + "|" + string(c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Encode. An empty token is the zero Cursor.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Message: "malformed token"}
	}
	micros, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, &ValidationError{Field: "cursor", Message: "malformed token"}
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Message: fmt.Sprintf("bad timestamp %q", micros)}
	}
	return Cursor{ScannedAt: time.UnixMicro(us).UTC(), ID: ScanID(id)}, nil
}

// Page is one slice of a feed plus the token for the next slice.
// NextCursor is empty on the last page.
type Page struct {
	Data       []*ScanRecord `json:"data"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
