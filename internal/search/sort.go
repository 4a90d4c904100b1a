package search

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"stacked/searchservice/internal/domain"
)

type rankedResult struct {
	item  domain.SearchResult
	exact bool
}

// SortResults orders items in place: titles equal to the query (ignoring
// case) first, then by normalized rating descending with a missing rating
// counting as zero. The sort is stable, so ties keep provider order.
func SortResults(items []domain.SearchResult, query string) {
	if len(items) < 2 {
		return
	}
	target := foldTitle(query)
	ranked := make([]rankedResult, len(items))
	for i, item := range items {
		ranked[i] = rankedResult{
			item:  item,
			exact: target != "" && foldTitle(item.Title) == target,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].exact != ranked[j].exact {
			return ranked[i].exact
		}
		return ranked[i].item.RatingValue() > ranked[j].item.RatingValue()
	})
	for i := range ranked {
		items[i] = ranked[i].item
	}
}

// foldTitle is the comparison key for exact-title matching. A Caser keeps
// state, so each call gets its own.
func foldTitle(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return cases.Fold().String(norm.NFC.String(value))
}
