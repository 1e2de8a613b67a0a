// Package kb retrieves top-K knowledge chunks used to ground agent replies.
// Chunks live only for the turn that retrieved them; the call record keeps a
// count, never the text.
package kb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Chunk is one retrievable context snippet.
type Chunk struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Query selects chunks for one turn.
type Query struct {
	Product string
	// Utterance biases scoring toward the caller's words.
	Utterance string
	// SelectedIDs pins specific chunks; pinned chunks rank first.
	SelectedIDs []string
	Max         int
	Rerank      bool
}

// Retriever fetches grounding chunks. Implementations must be safe for use
// by multiple concurrent call actors.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Chunk, error)
}

// Reranker reorders candidates by relevance to the utterance.
type Reranker interface {
	Rerank(ctx context.Context, utterance string, candidates []Chunk) ([]Chunk, error)
}

// Catalog is an in-memory per-product chunk store with lexical scoring and an
// optional reranker stage.
type Catalog struct {
	mu       sync.RWMutex
	products map[string][]Chunk
	reranker Reranker
}

// NewCatalog builds an empty catalog. The reranker may be nil.
func NewCatalog(reranker Reranker) *Catalog {
	return &Catalog{
		products: make(map[string][]Chunk),
		reranker: reranker,
	}
}

// Load replaces the chunk set for a product.
func (c *Catalog) Load(product string, chunks []Chunk) error {
	product = strings.TrimSpace(product)
	if product == "" {
		return fmt.Errorf("product is required")
	}
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product] = append([]Chunk(nil), chunks...)
	return nil
}

// Retrieve implements Retriever. Pinned chunks come first in pin order, the
// rest ranked by lexical overlap with the utterance, ties broken by ID for
// determinism.
func (c *Catalog) Retrieve(ctx context.Context, q Query) ([]Chunk, error) {
	if q.Max <= 0 {
		return nil, fmt.Errorf("query max must be positive, got %d", q.Max)
	}
	c.mu.RLock()
	all := c.products[strings.TrimSpace(q.Product)]
	c.mu.RUnlock()
	if len(all) == 0 {
		return nil, nil
	}

	pinned, rest := splitPinned(all, q.SelectedIDs)
	scored := scoreByOverlap(rest, q.Utterance)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].chunk.ID < scored[j].chunk.ID
	})

	out := pinned
	for _, s := range scored {
		if len(out) >= q.Max {
			break
		}
		out = append(out, s.chunk)
	}
	if len(out) > q.Max {
		out = out[:q.Max]
	}

	if q.Rerank && c.reranker != nil && len(out) > 1 {
		reranked, err := c.reranker.Rerank(ctx, q.Utterance, out)
		if err != nil {
			// Reranking is best-effort; lexical order stands on failure.
			return out, nil
		}
		out = reranked
	}
	return out, nil
}

type scoredChunk struct {
	chunk Chunk
	score int
}

func splitPinned(all []Chunk, selectedIDs []string) (pinned, rest []Chunk) {
	if len(selectedIDs) == 0 {
		return nil, all
	}
	want := make(map[string]int, len(selectedIDs))
	for i, id := range selectedIDs {
		want[id] = i
	}
	pinned = make([]Chunk, 0, len(selectedIDs))
	for _, chunk := range all {
		if _, ok := want[chunk.ID]; ok {
			pinned = append(pinned, chunk)
		} else {
			rest = append(rest, chunk)
		}
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		return want[pinned[i].ID] < want[pinned[j].ID]
	})
	return pinned, rest
}

func scoreByOverlap(chunks []Chunk, utterance string) []scoredChunk {
	terms := tokenize(utterance)
	scored := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := 0
		lowered := strings.ToLower(chunk.Text)
		for term := range terms {
			if strings.Contains(lowered, term) {
				score++
			}
		}
		scored = append(scored, scoredChunk{chunk: chunk, score: score})
	}
	return scored
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(s)) {
		field = strings.Trim(field, ".,!?;:\"'")
		if len(field) >= 3 {
			out[field] = struct{}{}
		}
	}
	return out
}
