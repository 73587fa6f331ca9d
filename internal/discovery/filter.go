// Package discovery orchestrates runs: query building, fetching, dedup,
// filtering and emission.
package discovery

import (
	"strings"

	"github.com/thoth-app/discovery/internal/analyzer"
	"github.com/thoth-app/discovery/internal/domain"
)

// RejectReason says why the filter dropped a candidate.
type RejectReason string

const (
	RejectDateOutOfRange    RejectReason = "date_out_of_range"
	RejectMissingKeyword    RejectReason = "missing_required_keyword"
	RejectBelowMinCitations RejectReason = "below_min_citations"
	RejectBelowThreshold    RejectReason = "below_threshold"
)

// Rejection pairs a dropped candidate with the first reason that applied.
type Rejection struct {
	Paper  *domain.Paper
	Reason RejectReason
}

// Filter applies the explicit per-source criteria and the corpus relevance
// threshold. Pure: no side effects, input order preserved. Checks run in a
// fixed order and the first failure is the recorded reason.
func Filter(papers []*domain.Paper, filters domain.Filters, cc *analyzer.CorpusContext) (accepted []*domain.Paper, rejected []Rejection) {
	for _, p := range papers {
		if reason, ok := reject(p, filters, cc); ok {
			rejected = append(rejected, Rejection{Paper: p, Reason: reason})
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, rejected
}

func reject(p *domain.Paper, filters domain.Filters, cc *analyzer.CorpusContext) (RejectReason, bool) {
	if p.Year != 0 {
		if filters.DateFrom != nil && p.Year < filters.DateFrom.Year() {
			return RejectDateOutOfRange, true
		}
		if filters.DateTo != nil && p.Year > filters.DateTo.Year() {
			return RejectDateOutOfRange, true
		}
	}

	if len(filters.Keywords) > 0 && !matchesAnyKeyword(p, filters.Keywords) {
		return RejectMissingKeyword, true
	}

	if filters.MinCitationCount != nil {
		if p.CitationCount == nil || *p.CitationCount < *filters.MinCitationCount {
			return RejectBelowMinCitations, true
		}
	}

	if filters.RelevanceThreshold > 0 && cc != nil {
		if cc.ScoreRelevance(p) < filters.RelevanceThreshold {
			return RejectBelowThreshold, true
		}
	}
	return "", false
}

// matchesAnyKeyword looks for any filter keyword in the title, abstract or
// concept list, case-insensitively.
func matchesAnyKeyword(p *domain.Paper, keywords []string) bool {
	title := strings.ToLower(p.Title)
	abstract := strings.ToLower(p.Abstract)
	for _, kw := range keywords {
		needle := strings.ToLower(strings.TrimSpace(kw))
		if needle == "" {
			continue
		}
		if strings.Contains(title, needle) || strings.Contains(abstract, needle) {
			return true
		}
		for _, c := range p.Concepts {
			if strings.EqualFold(strings.TrimSpace(c), needle) {
				return true
			}
		}
	}
	return false
}
