package review

import "time"

// OperatorActivity summarises one operator's share of an event's ledger.
type OperatorActivity struct {
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
	Scans        int    `json:"scans"`
	Undos        int    `json:"undos"`
}

// Digest is the aggregate handed to the model; no participant data leaves the service.
type Digest struct {
	EventID        string             `json:"event_id"`
	EventTitle     string             `json:"event_title"`
	Scans          int                `json:"scans"`
	Undone         int                `json:"undone"`
	MedianUndoSecs float64            `json:"median_undo_seconds"`
	Rescanned      int                `json:"rescanned_tickets"`
	Operators      []OperatorActivity `json:"operators"`
}

// Report is the reviewed digest plus the model's note.
type Report struct {
	Digest     Digest    `json:"digest"`
	Note       string    `json:"note"`
	ReviewedAt time.Time `json:"reviewed_at"`
}
