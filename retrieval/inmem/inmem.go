// Package inmem implements retrieval.Index in-process: chunks are held in a
// map keyed by file id and ranked by substring match count — the
// least-sophisticated ranking spec §4.3 allows, chosen because no BM25 or
// embedding library appears anywhere in the grounding corpus (see DESIGN.md).
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/runforge/execengine/retrieval"
	"github.com/runforge/execengine/runtime/agent"
)

// Index is a mutex-guarded in-memory retrieval.Index. Safe for concurrent
// use; ingestion of the same file id serializes on the package mutex,
// matching spec §5's "unique constraint on (file_id, chunk_index)" intent.
type Index struct {
	mu     sync.RWMutex
	chunks map[string][]retrieval.Chunk // fileID -> chunks, insertion order
}

// New returns an empty Index.
func New() *Index {
	return &Index{chunks: make(map[string][]retrieval.Chunk)}
}

// Ingest splits text into chunks of at most chunkSize characters (runes),
// respecting UTF-8 rune boundaries, and replaces any existing chunks for fileID. The
// round-trip law (concatenating chunks reproduces text exactly) holds
// because Ingest never trims, normalizes, or overlaps.
func (idx *Index) Ingest(_ context.Context, fileID string, text string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	chunks := splitUTF8(text, chunkSize)
	out := make([]retrieval.Chunk, 0, len(chunks))
	for i, c := range chunks {
		out = append(out, retrieval.Chunk{
			ID:     uuid.NewString(),
			FileID: fileID,
			Index:  i,
			Text:   c,
		})
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.chunks[fileID] = out
	return nil
}

// splitUTF8 breaks s into pieces of at most max characters (runes) without
// splitting a multi-byte rune across a boundary.
func splitUTF8(s string, max int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > 0 {
		if len(s) <= max {
			out = append(out, s)
			break
		}
		cut := 0
		for n := 0; n < max && cut < len(s); n++ {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

// Query ranks chunks among allowedFileIDs by case-insensitive substring
// match count of the query terms, ties broken by shorter chunk length then
// lexicographic id (spec §4.3).
func (idx *Index) Query(_ context.Context, query string, allowedFileIDs []string, k int) (retrieval.Result, error) {
	if k <= 0 {
		k = retrieval.DefaultTopK
	}
	allowed := make(map[string]struct{}, len(allowedFileIDs))
	for _, id := range allowedFileIDs {
		allowed[id] = struct{}{}
	}
	terms := strings.Fields(strings.ToLower(query))

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type scored struct {
		chunk retrieval.Chunk
		score int
	}
	var candidates []scored
	for fileID, chunks := range idx.chunks {
		if _, ok := allowed[fileID]; !ok {
			continue
		}
		for _, c := range chunks {
			score := matchScore(c.Text, terms)
			if score > 0 {
				candidates = append(candidates, scored{chunk: c, score: score})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if len(candidates[i].chunk.Text) != len(candidates[j].chunk.Text) {
			return len(candidates[i].chunk.Text) < len(candidates[j].chunk.Text)
		}
		return candidates[i].chunk.ID < candidates[j].chunk.ID
	})

	total := len(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]retrieval.Chunk, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.chunk)
	}
	bounds := agent.Bounds{Returned: len(out), Total: &total, Truncated: total > len(out)}
	if bounds.Truncated {
		bounds.RefinementHint = "narrow the query or increase k to see more matches"
	}
	return retrieval.Result{Chunks: out, Bounds: bounds}, nil
}

func matchScore(text string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0
	for _, t := range terms {
		score += strings.Count(lower, t)
	}
	return score
}
