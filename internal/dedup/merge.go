// Package dedup merges candidate papers fetched within one discovery run.
package dedup

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/thoth-app/discovery/internal/domain"
)

// fuzzyThreshold is the minimum title similarity for two same-year papers
// to be considered one.
const fuzzyThreshold = 0.85

// Merge collapses duplicates across adapters. Grouping keys, in priority
// order: DOI, arXiv id, fuzzy (normalized title, year). Candidates with no
// identifier and no year pass through unmerged. Output order follows the
// first arrival of each group. Merge(Merge(x)) == Merge(x).
func Merge(batch []*domain.Paper) []*domain.Paper {
	type group struct {
		members []*domain.Paper
		title   string // normalized title of the first member, for fuzzy keys
		year    int
	}

	var groups []*group
	byDOI := make(map[string]*group)
	byArxiv := make(map[string]*group)

	findFuzzy := func(title string, year int) *group {
		for _, g := range groups {
			if g.year == year && g.year != 0 && titleSimilarity(g.title, title) >= fuzzyThreshold {
				return g
			}
		}
		return nil
	}

	for _, p := range batch {
		var g *group
		if p.IDs.DOI != "" {
			g = byDOI[p.IDs.DOI]
		}
		if g == nil && p.IDs.ArxivID != "" {
			g = byArxiv[p.IDs.ArxivID]
		}
		if g == nil && p.IDs.DOI == "" && p.IDs.ArxivID == "" && p.Year != 0 {
			// Fuzzy matching is a fallback for records with no strong id;
			// two records with distinct DOIs are never collapsed.
			g = findFuzzy(NormalizeTitle(p.Title), p.Year)
		}
		if g == nil && p.IDs.Empty() && p.Year == 0 {
			// Unmergeable; keep as its own group.
			groups = append(groups, &group{members: []*domain.Paper{p}})
			continue
		}
		if g == nil {
			g = &group{title: NormalizeTitle(p.Title), year: p.Year}
			groups = append(groups, g)
		}
		g.members = append(g.members, p)
		if p.IDs.DOI != "" && byDOI[p.IDs.DOI] == nil {
			byDOI[p.IDs.DOI] = g
		}
		if p.IDs.ArxivID != "" && byArxiv[p.IDs.ArxivID] == nil {
			byArxiv[p.IDs.ArxivID] = g
		}
	}

	out := make([]*domain.Paper, 0, len(groups))
	for _, g := range groups {
		out = append(out, mergeGroup(g.members))
	}
	return out
}

// mergeGroup picks the best-provenance member, backfills its gaps from the
// losers in priority order and unions all identifiers.
func mergeGroup(members []*domain.Paper) *domain.Paper {
	if len(members) == 1 {
		return members[0]
	}

	winner := members[0]
	for _, m := range members[1:] {
		if better(m, winner) {
			winner = m
		}
	}

	merged := *winner
	losers := make([]*domain.Paper, 0, len(members)-1)
	for _, m := range members {
		if m != winner {
			losers = append(losers, m)
		}
	}
	// Backfill in provenance order so the best available value wins.
	for i := 0; i < len(losers); i++ {
		for j := i + 1; j < len(losers); j++ {
			if better(losers[j], losers[i]) {
				losers[i], losers[j] = losers[j], losers[i]
			}
		}
	}
	for _, loser := range losers {
		backfill(&merged, loser)
	}
	for _, m := range members {
		merged.IDs.Union(m.IDs)
	}
	return &merged
}

// better reports whether a beats b: higher provenance, then more populated
// fields, then earlier fetch.
func better(a, b *domain.Paper) bool {
	if pa, pb := a.Provenance.Priority(), b.Provenance.Priority(); pa != pb {
		return pa > pb
	}
	if na, nb := populatedFields(a), populatedFields(b); na != nb {
		return na > nb
	}
	return a.FetchedAt.Before(b.FetchedAt)
}

func populatedFields(p *domain.Paper) int {
	n := 0
	if p.Title != "" {
		n++
	}
	if len(p.Authors) > 0 {
		n++
	}
	if p.Abstract != "" {
		n++
	}
	if p.Year != 0 {
		n++
	}
	if p.Venue != "" {
		n++
	}
	if len(p.Concepts) > 0 {
		n++
	}
	if p.CitationCount != nil {
		n++
	}
	if p.OpenAccessURL != "" {
		n++
	}
	if len(p.References) > 0 {
		n++
	}
	return n
}

func backfill(dst *domain.Paper, src *domain.Paper) {
	if dst.Abstract == "" {
		dst.Abstract = src.Abstract
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	if dst.Venue == "" {
		dst.Venue = src.Venue
	}
	if len(dst.Concepts) == 0 {
		dst.Concepts = src.Concepts
	}
	if dst.CitationCount == nil {
		dst.CitationCount = src.CitationCount
	}
	if dst.OpenAccessURL == "" {
		dst.OpenAccessURL = src.OpenAccessURL
	}
	if len(dst.References) == 0 {
		dst.References = src.References
	}
}

// NormalizeTitle lowercases, strips punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// titleSimilarity is 1 - distance/maxLen over normalized titles.
func titleSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
