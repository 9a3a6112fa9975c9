package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Search tiers, in rank order. Lower wins.
const (
	tierExactType = iota
	tierExactName
	tierSubstring
	tierFuzzy
	tierMiss
)

// DefaultMaxResults caps search results when the caller does not.
const DefaultMaxResults = 25

// SearchSummaries ranks summary rows against a search string with tiered
// matching: exact Type, exact Name (case-insensitive), Name substring, then
// fuzzy token match tolerant of a single character edit. Ordering within a
// tier is by Name then Type, so results are deterministic.
func SearchSummaries(summaries []map[string]any, search string, maxResults int) []map[string]any {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if search == "" {
		if len(summaries) > maxResults {
			return summaries[:maxResults]
		}
		return summaries
	}

	type ranked struct {
		tier int
		name string
		typ  string
		row  map[string]any
	}

	var matches []ranked
	for _, row := range summaries {
		typ := stringField(row, "Type")
		name := stringField(row, "Name")
		tier := matchTier(search, typ, name)
		if tier == tierMiss {
			continue
		}
		matches = append(matches, ranked{tier: tier, name: name, typ: typ, row: row})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].tier != matches[j].tier {
			return matches[i].tier < matches[j].tier
		}
		if matches[i].name != matches[j].name {
			return matches[i].name < matches[j].name
		}
		return matches[i].typ < matches[j].typ
	})

	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	results := make([]map[string]any, len(matches))
	for i, m := range matches {
		results[i] = m.row
	}
	return results
}

func matchTier(search, typ, name string) int {
	if search == typ {
		return tierExactType
	}
	lowerSearch := strings.ToLower(search)
	lowerName := strings.ToLower(name)
	if lowerSearch == lowerName {
		return tierExactName
	}
	if strings.Contains(lowerName, lowerSearch) {
		return tierSubstring
	}
	if fuzzyTokenMatch(lowerSearch, lowerName) {
		return tierFuzzy
	}
	return tierMiss
}

// fuzzyTokenMatch reports whether every search token is within one edit of
// some name token.
func fuzzyTokenMatch(search, name string) bool {
	searchTokens := strings.Fields(search)
	if len(searchTokens) == 0 {
		return false
	}
	nameTokens := strings.Fields(name)
	for _, st := range searchTokens {
		matched := false
		for _, nt := range nameTokens {
			if withinOneEdit(st, nt) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// withinOneEdit reports whether b is reachable from a with at most one
// substitution, insertion, or deletion.
func withinOneEdit(a, b string) bool {
	if a == b {
		return true
	}
	la, lb := len(a), len(b)
	if la > lb {
		a, b = b, a
		la, lb = lb, la
	}
	if lb-la > 1 {
		return false
	}

	i, j := 0, 0
	edited := false
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		if edited {
			return false
		}
		edited = true
		if la == lb {
			i++ // substitution
		}
		j++ // insertion into the shorter string
	}
	// At most one trailing character of b remains, which is the one edit.
	return true
}

func stringField(row map[string]any, field string) string {
	switch v := row[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
