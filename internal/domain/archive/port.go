package archive

import (
	"context"
	"io"
)

// ArtifactStore port (object storage for ledger exports)
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}
