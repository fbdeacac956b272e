package inmem

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestIngestRoundTripLaw verifies spec §4.3's round-trip law directly
// against the stored chunk rows: for any text and chunk size, concatenating
// the ingested chunks in insertion order reproduces the original text
// exactly. This bypasses Query's relevance ranking (which legitimately
// drops zero-score chunks) and inspects the package-private chunk map, the
// only way to observe every stored chunk regardless of ranking.
func TestIngestRoundTripLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("concatenated chunks reproduce the original text", prop.ForAll(
		func(text string, chunkSize int) bool {
			idx := New()
			ctx := context.Background()
			if err := idx.Ingest(ctx, "f1", text, chunkSize); err != nil {
				return false
			}
			idx.mu.RLock()
			chunks := idx.chunks["f1"]
			idx.mu.RUnlock()

			var rebuilt strings.Builder
			for i, c := range chunks {
				if c.Index != i || c.FileID != "f1" {
					return false
				}
				rebuilt.WriteString(c.Text)
			}
			return rebuilt.String() == text
		},
		genText(),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func genText() gopter.Gen {
	return gen.OneConstOf(
		"",
		"a",
		"The capital of France is Paris.",
		"café au lait with a side of café noir, served à la carte",
		strings.Repeat("word ", 40),
		"日本語のテキストも境界を壊さずに分割される必要がある",
		"line one\nline two\nline three\n",
	)
}
