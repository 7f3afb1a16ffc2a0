package walk

import (
	"context"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/fruitsalade/chainfs/pkg/fstree"
)

// Matcher ranks candidate names against a query. It returns the indices of
// the matching names, best first. Implementations must be deterministic.
type Matcher interface {
	Match(query string, names []string) []int
}

// FuzzyMatcher matches names case-insensitively when the query characters
// appear in order, favouring consecutive runs and word starts.
type FuzzyMatcher struct{}

// Match implements Matcher.
func (FuzzyMatcher) Match(query string, names []string) []int {
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}
	matches := fuzzy.Find(strings.ToLower(query), lowered)
	out := make([]int, len(matches))
	for i, m := range matches {
		out[i] = m.Index
	}
	return out
}

// Search returns the nodes below start whose names match query. Results are
// grouped per directory in the order the directories finished expanding,
// and ranked inside each directory. An empty query returns nil without
// touching the backend.
func Search(ctx context.Context, start *fstree.Directory, query string, m Matcher) ([]fstree.Node, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if m == nil {
		m = FuzzyMatcher{}
	}

	var results []fstree.Node
	err := WalkLevels(ctx, start, func(_ *fstree.Directory, entries []fstree.Node, _ int) error {
		if len(entries) == 0 {
			return nil
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		for _, idx := range m.Match(query, names) {
			if idx >= 0 && idx < len(entries) {
				results = append(results, entries[idx])
			}
		}
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}
	return results, nil
}
