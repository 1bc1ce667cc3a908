// Package search ranks catalog entries against a free-text query.
package search

import (
	"sort"
	"strings"

	"github.com/pigseek/pigseek/pkg/catalog"
)

// DefaultThreshold is the minimum similarity for an entry without a
// substring match to be kept.
const DefaultThreshold = 0.7

// Hit is a ranked entry with the signals used to order it.
type Hit struct {
	catalog.Entry
	Contains bool    `json:"contains"`
	Score    float64 `json:"score"`
}

// Ranker filters and orders entries.
type Ranker struct {
	Scorer    Scorer
	Threshold float64
}

// DefaultRanker uses the default threshold and prefix scale.
func DefaultRanker() Ranker {
	return Ranker{Scorer: Scorer{PrefixScale: DefaultPrefixScale}, Threshold: DefaultThreshold}
}

// Rank ranks entries with DefaultRanker.
func Rank(entries []catalog.Entry, query string) []catalog.Entry {
	return DefaultRanker().Rank(entries, query)
}

// RankCatalog ranks every entry of c with DefaultRanker.
func RankCatalog(c *catalog.Catalog, query string) []catalog.Entry {
	return Rank(c.Entries(), query)
}

// Rank returns the entries matching query, substring matches first, then by
// descending similarity. Ties keep input order. A blank query returns every
// entry unchanged.
func (r Ranker) Rank(entries []catalog.Entry, query string) []catalog.Entry {
	hits := r.Explain(entries, query)
	out := make([]catalog.Entry, len(hits))
	for i, h := range hits {
		out[i] = h.Entry
	}
	return out
}

// Explain is Rank with the per-entry signals attached. For a blank query
// the signals are left zero.
func (r Ranker) Explain(entries []catalog.Entry, query string) []Hit {
	if strings.TrimSpace(query) == "" {
		out := make([]Hit, len(entries))
		for i, e := range entries {
			out[i] = Hit{Entry: e}
		}
		return out
	}
	q := strings.ToLower(query)
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		desc := strings.ToLower(e.Description)
		h := Hit{
			Entry:    e,
			Contains: strings.Contains(desc, q),
			Score:    r.Scorer.Score(desc, q),
		}
		if h.Contains || h.Score >= r.Threshold {
			hits = append(hits, h)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Contains != hits[j].Contains {
			return hits[i].Contains
		}
		return hits[i].Score > hits[j].Score
	})
	return hits
}
