// Package retrieval declares the chunking/query contract (component C).
// Ingest splits raw text into bounded chunks; Query ranks chunks relevant to
// a question among an allowed set of file ids.
package retrieval

import (
	"context"

	"github.com/runforge/execengine/runtime/agent"
)

// Chunk is one bounded piece of a file's ingested text.
type Chunk struct {
	ID     string
	FileID string
	Index  int
	Text   string
}

// Result pairs the top-K chunks with Bounds so callers can tell whether
// more matches existed than were returned.
type Result struct {
	Chunks []Chunk
	Bounds agent.Bounds
}

// Index is the retrieval-index contract.
type Index interface {
	// Ingest splits text into non-overlapping chunks of at most chunkSize
	// characters, respecting UTF-8 rune boundaries, and replaces any existing
	// chunks for fileID.
	Ingest(ctx context.Context, fileID string, text string, chunkSize int) error

	// Query returns the top-K chunks (K defaults to DefaultTopK when k<=0)
	// among chunks whose FileID is in allowedFileIDs, ranked by the
	// backend's documented strategy.
	Query(ctx context.Context, query string, allowedFileIDs []string, k int) (Result, error)
}

// DefaultTopK is the default number of chunks Query returns.
const DefaultTopK = 5
