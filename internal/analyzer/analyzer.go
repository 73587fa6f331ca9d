// Package analyzer distills the consumer's existing corpus into query
// refinements and a relevance scorer for discovery runs.
package analyzer

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/adapter"
	"github.com/thoth-app/discovery/internal/domain"
)

const (
	// How many corpus-derived topics and authors feed into a query.
	maxQueryTopics  = 8
	maxQueryAuthors = 5
)

// CorpusPaper is the slice of a library record the analyzer reads.
type CorpusPaper struct {
	Title      string
	Abstract   string
	Tags       []string
	Authors    []string
	Year       int
	References []string // identifiers of papers this one cites
}

// CorpusReader hands the analyzer a consistent snapshot of the corpus. The
// id changes whenever the corpus content changes; it keys the context memo.
type CorpusReader interface {
	Snapshot(ctx context.Context) (id string, papers []CorpusPaper, err error)
}

// TopicStat is one corpus topic with its observed spellings.
type TopicStat struct {
	Count    int
	Keywords []string
}

// CorpusContext is the distilled corpus: what the consumer reads about,
// who they read, and what those papers cite. All lookups are keyed by
// lowercased, whitespace-collapsed strings.
type CorpusContext struct {
	Topics       map[string]TopicStat
	KnownAuthors map[string]int // author -> collaboration count
	CitedIDs     map[string]bool
	RecencyFrom  int
	RecencyTo    int
}

// Analyzer memoizes the corpus context per snapshot so repeated scheduler
// ticks do not re-scan an unchanged corpus.
type Analyzer struct {
	reader CorpusReader
	log    *logrus.Entry

	mu         sync.Mutex
	snapshotID string
	cached     *CorpusContext
}

func New(reader CorpusReader, log *logrus.Entry) *Analyzer {
	return &Analyzer{reader: reader, log: log}
}

// Context returns the corpus context for the current snapshot, rebuilding
// it only when the snapshot id moved.
func (a *Analyzer) Context(ctx context.Context) (*CorpusContext, error) {
	id, papers, err := a.reader.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil && a.snapshotID == id {
		return a.cached, nil
	}

	cc := AnalyzeCorpus(papers)
	a.snapshotID = id
	a.cached = cc
	a.log.WithFields(logrus.Fields{
		"snapshot": id,
		"papers":   len(papers),
		"topics":   len(cc.Topics),
		"authors":  len(cc.KnownAuthors),
	}).Debug("rebuilt corpus context")
	return cc, nil
}

// Refresh drops the memo; the next Context call re-analyzes.
func (a *Analyzer) Refresh() {
	a.mu.Lock()
	a.cached = nil
	a.snapshotID = ""
	a.mu.Unlock()
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// AnalyzeCorpus builds the context from scratch. Deterministic for a given
// paper list.
func AnalyzeCorpus(papers []CorpusPaper) *CorpusContext {
	cc := &CorpusContext{
		Topics:       make(map[string]TopicStat),
		KnownAuthors: make(map[string]int),
		CitedIDs:     make(map[string]bool),
	}

	var years []int
	for _, p := range papers {
		for _, tag := range p.Tags {
			key := normalizeTerm(tag)
			if key == "" {
				continue
			}
			stat := cc.Topics[key]
			stat.Count++
			spelling := strings.Join(strings.Fields(tag), " ")
			if !containsString(stat.Keywords, spelling) {
				stat.Keywords = append(stat.Keywords, spelling)
			}
			cc.Topics[key] = stat
		}
		for _, author := range p.Authors {
			if key := normalizeTerm(author); key != "" {
				cc.KnownAuthors[key]++
			}
		}
		for _, ref := range p.References {
			if ref = strings.TrimSpace(ref); ref != "" {
				cc.CitedIDs[strings.ToLower(ref)] = true
			}
		}
		if p.Year > 0 {
			years = append(years, p.Year)
		}
	}

	cc.RecencyFrom, cc.RecencyTo = recencyWindow(years)
	return cc
}

// recencyWindow returns the smallest contiguous year span covering at
// least 60% of the dated corpus.
func recencyWindow(years []int) (from, to int) {
	if len(years) == 0 {
		return 0, 0
	}
	sort.Ints(years)
	need := (len(years)*3 + 4) / 5
	if need < 1 {
		need = 1
	}
	bestFrom, bestTo := years[0], years[len(years)-1]
	for i := 0; i+need <= len(years); i++ {
		lo, hi := years[i], years[i+need-1]
		if hi-lo < bestTo-bestFrom {
			bestFrom, bestTo = lo, hi
		}
	}
	return bestFrom, bestTo
}

// ScoreRelevance scores a candidate against the corpus. Topic overlap
// weighs 0.4, author overlap 0.3, citation overlap 0.3; when the candidate
// carries no reference list the topic component absorbs the citation
// weight.
func (cc *CorpusContext) ScoreRelevance(p *domain.Paper) float64 {
	topicWeight, citationWeight := 0.4, 0.3
	if len(p.References) == 0 {
		topicWeight += citationWeight
		citationWeight = 0
	}

	topicHits := 0
	for _, concept := range p.Concepts {
		if _, ok := cc.Topics[normalizeTerm(concept)]; ok {
			topicHits++
		}
	}
	topicScore := 0.0
	if len(p.Concepts) > 0 {
		topicScore = float64(topicHits) / float64(len(p.Concepts))
	}

	authorScore := 0.0
	for _, a := range p.Authors {
		if cc.KnownAuthors[normalizeTerm(a.FullName)] > 0 {
			authorScore = 1
			break
		}
	}

	citationScore := 0.0
	if citationWeight > 0 {
		hits := 0
		for _, ref := range p.References {
			if cc.CitedIDs[strings.ToLower(strings.TrimSpace(ref))] {
				hits++
			}
		}
		citationScore = float64(hits) / float64(len(p.References))
	}

	return topicWeight*topicScore + 0.3*authorScore + citationWeight*citationScore
}

// TopTopics returns up to n topic spellings ordered by frequency, ties
// broken alphabetically so query building is deterministic.
func (cc *CorpusContext) TopTopics(n int) []string {
	type entry struct {
		key  string
		stat TopicStat
	}
	entries := make([]entry, 0, len(cc.Topics))
	for k, s := range cc.Topics {
		entries = append(entries, entry{k, s})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].stat.Count != entries[j].stat.Count {
			return entries[i].stat.Count > entries[j].stat.Count
		}
		return entries[i].key < entries[j].key
	})

	var out []string
	for _, e := range entries {
		if len(out) >= n {
			break
		}
		spelling := e.key
		if len(e.stat.Keywords) > 0 {
			spelling = e.stat.Keywords[0]
		}
		out = append(out, spelling)
	}
	return out
}

// TopAuthors returns up to n author names ordered by collaboration count,
// ties broken alphabetically.
func (cc *CorpusContext) TopAuthors(n int) []string {
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(cc.KnownAuthors))
	for name, count := range cc.KnownAuthors {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	var out []string
	for _, e := range entries {
		if len(out) >= n {
			break
		}
		out = append(out, e.name)
	}
	return out
}

// BuildQuery merges the source config's explicit parameters with the
// corpus-derived topics and authors into one normalized query. Config
// keywords come first; duplicates are dropped case-insensitively.
func BuildQuery(sc *domain.SourceConfig, cc *CorpusContext) (adapter.Query, error) {
	params, err := sc.ParseParams()
	if err != nil {
		return adapter.Query{}, err
	}

	q := adapter.Query{
		DateFrom: sc.Filters.DateFrom,
		DateTo:   sc.Filters.DateTo,
	}

	var configKeywords []string
	switch p := params.(type) {
	case *domain.ArxivParams:
		configKeywords = p.Keywords
		q.Categories = p.Categories
		q.SortBy = p.SortBy
		q.SortOrder = p.SortOrder
	case *domain.PubmedParams:
		configKeywords = p.Keywords
		if p.MeshTerm != "" {
			q.Concepts = []string{p.MeshTerm}
		}
	case *domain.CrossrefParams:
		configKeywords = p.Keywords
	case *domain.OpenAlexParams:
		configKeywords = p.Keywords
		q.Concepts = p.Concepts
	case *domain.SemanticScholarParams:
		configKeywords = p.Keywords
		if p.SortByCitation {
			q.SortBy = "citations"
		}
	case *domain.BrowserParams:
		// Browser queries carry only keywords.
	}

	seen := make(map[string]bool)
	add := func(kw string) {
		kw = strings.Join(strings.Fields(kw), " ")
		if kw == "" {
			return
		}
		key := strings.ToLower(kw)
		if !seen[key] {
			seen[key] = true
			q.Keywords = append(q.Keywords, kw)
		}
	}
	for _, kw := range sc.Filters.Keywords {
		add(kw)
	}
	for _, kw := range configKeywords {
		add(kw)
	}
	if cc != nil {
		for _, topic := range cc.TopTopics(maxQueryTopics) {
			add(topic)
		}
		q.Authors = cc.TopAuthors(maxQueryAuthors)
	}
	return q, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
