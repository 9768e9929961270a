package review

import "context"

// Client asks a language model for an audit note over a ledger digest.
type Client interface {
	Review(ctx context.Context, digest string) (string, error)
}
