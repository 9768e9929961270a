package archive

import "time"

// Manifest describes one uploaded export of an event's scan feed
type Manifest struct {
	EventID    string    `json:"event_id"`
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Records    int       `json:"records"`
	Undone     int       `json:"undone"`
	Bytes      int64     `json:"bytes"`
	ExportedAt time.Time `json:"exported_at"`
}
