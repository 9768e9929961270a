package prompt

import "fmt"

// ReviewSystemPrompt frames the model as an auditor of gate check-in activity.
func ReviewSystemPrompt() string {
	return `You audit the check-in ledger of a live event. You receive one JSON digest with
total scans, reversed scans (undos), the median seconds between a scan and its undo,
the number of tickets that were scanned again after an undo, and per-operator counts.

Write a short plain-text note (no markdown, at most 6 sentences) for the event manager:
- Say whether the undo rate looks normal. Under 5% of scans is normal at a busy gate.
- Name operators whose undo share is far above the others.
- Mention rescanned tickets only when there are more than a handful.
- Do not guess about individual participants; the digest holds none.`
}

// ReviewUserPrompt wraps the digest JSON.
func ReviewUserPrompt(digest string) string {
	return fmt.Sprintf("Ledger digest:\n%s", digest)
}
