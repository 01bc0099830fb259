package blob

import (
	"context"
	"time"
)

// Locator identifies a stored blob, chunk, or manifest
type Locator string

// Manifest references the chunks of a large attachment. It is written
// once, after every chunk has been stored, and never mutated.
type Manifest struct {
	FileName    string    `json:"file_name"`
	TotalSize   int64     `json:"total_size"`
	ContentType string    `json:"content_type"`
	ChunkSize   int64     `json:"chunk_size"`
	Chunks      []Locator `json:"chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink is the abstract blob store the uploader writes to. Implementations
// must be safe for concurrent use; orphaned chunks from aborted uploads
// are left for out-of-band garbage collection.
type Sink interface {
	// PutSingle stores a small payload in one shot
	PutSingle(ctx context.Context, data []byte) (Locator, error)

	// PutChunk stores one chunk of a large payload
	PutChunk(ctx context.Context, data []byte) (Locator, error)

	// PutManifest stores the manifest referencing uploaded chunks
	PutManifest(ctx context.Context, m *Manifest) (Locator, error)
}
