package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provenance identifies which provider produced a Paper record.
type Provenance string

const (
	ProvenanceCrossref        Provenance = "crossref"
	ProvenanceOpenAlex        Provenance = "openalex"
	ProvenanceArxiv           Provenance = "arxiv"
	ProvenancePubmed          Provenance = "pubmed"
	ProvenanceSemanticScholar Provenance = "semantic_scholar"
	ProvenanceBrowser         Provenance = "browser"
)

// provenancePriority orders providers by metadata quality. Higher wins
// when merging duplicate records across providers.
var provenancePriority = map[Provenance]int{
	ProvenanceCrossref:        6,
	ProvenanceOpenAlex:        5,
	ProvenanceArxiv:           4,
	ProvenancePubmed:          3,
	ProvenanceSemanticScholar: 2,
	ProvenanceBrowser:         1,
}

// Priority returns the merge priority of the provenance. Unknown values
// rank below every known provider.
func (p Provenance) Priority() int {
	return provenancePriority[p]
}

// Identifiers is the canonical identifier set of a paper. All fields are
// optional; a valid Paper carries at least one of them or a
// (title, first author, year) triple.
type Identifiers struct {
	DOI               string `json:"doi,omitempty"`
	ArxivID           string `json:"arxiv_id,omitempty"`
	PubmedID          string `json:"pubmed_id,omitempty"`
	OpenAlexID        string `json:"openalex_id,omitempty"`
	SemanticScholarID string `json:"semantic_scholar_id,omitempty"`
}

// Empty reports whether no identifier is set.
func (ids Identifiers) Empty() bool {
	return ids.DOI == "" && ids.ArxivID == "" && ids.PubmedID == "" &&
		ids.OpenAlexID == "" && ids.SemanticScholarID == ""
}

// Union fills any identifier missing on ids from other.
func (ids *Identifiers) Union(other Identifiers) {
	if ids.DOI == "" {
		ids.DOI = other.DOI
	}
	if ids.ArxivID == "" {
		ids.ArxivID = other.ArxivID
	}
	if ids.PubmedID == "" {
		ids.PubmedID = other.PubmedID
	}
	if ids.OpenAlexID == "" {
		ids.OpenAlexID = other.OpenAlexID
	}
	if ids.SemanticScholarID == "" {
		ids.SemanticScholarID = other.SemanticScholarID
	}
}

type Author struct {
	FullName string `json:"full_name"`
	Given    string `json:"given,omitempty"`
	Family   string `json:"family,omitempty"`
}

// Paper is the normalized record every adapter yields. It is transient:
// ownership transfers to the downstream consumer on emission and the core
// never persists it.
type Paper struct {
	IDs           Identifiers `json:"ids"`
	Title         string      `json:"title"`
	Authors       []Author    `json:"authors,omitempty"`
	Abstract      string      `json:"abstract,omitempty"`
	Year          int         `json:"publication_year,omitempty"`
	Venue         string      `json:"venue,omitempty"`
	Concepts      []string    `json:"concepts,omitempty"`
	CitationCount *int        `json:"citation_count,omitempty"`
	OpenAccessURL string      `json:"open_access_url,omitempty"`
	References    []string    `json:"references,omitempty"`
	Provenance    Provenance  `json:"source_provenance"`
	FetchedAt     time.Time   `json:"fetched_at"`
}

// FirstAuthor returns the full name of the first author, or "".
func (p *Paper) FirstAuthor() string {
	if len(p.Authors) == 0 {
		return ""
	}
	return p.Authors[0].FullName
}

// Validate enforces the record invariants adapters must uphold before
// yielding a candidate.
func (p *Paper) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("paper has empty title")
	}
	if p.Provenance.Priority() == 0 {
		return fmt.Errorf("paper has unknown provenance %q", p.Provenance)
	}
	if p.Year != 0 {
		maxYear := time.Now().Year() + 1
		if p.Year < 1900 || p.Year > maxYear {
			return fmt.Errorf("publication year %d outside [1900, %d]", p.Year, maxYear)
		}
	}
	if p.IDs.Empty() && (p.FirstAuthor() == "" || p.Year == 0) {
		return fmt.Errorf("paper %q has no identifier and no (title, first author, year) triple", p.Title)
	}
	return nil
}

// NormalizeDOI lowercases a DOI and strips resolver URL prefixes so that
// "https://doi.org/10.1/ABC" and "10.1/abc" compare equal.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "doi:"} {
		if len(doi) >= len(prefix) && strings.EqualFold(doi[:len(prefix)], prefix) {
			doi = doi[len(prefix):]
			break
		}
	}
	return strings.ToLower(doi)
}

// NormalizeArxivID strips the abs URL prefix and any trailing version
// suffix, e.g. "http://arxiv.org/abs/2301.00001v2" -> "2301.00001".
// Old-style IDs like "hep-th/9901001" keep their slash form.
func NormalizeArxivID(id string) string {
	id = strings.TrimSpace(id)
	if idx := strings.Index(id, "/abs/"); idx != -1 {
		id = id[idx+len("/abs/"):]
	}
	id = strings.TrimPrefix(id, "arXiv:")
	id = strings.TrimRight(id, "/")
	if idx := strings.LastIndex(id, "v"); idx > 0 {
		version := id[idx+1:]
		isVersion := len(version) > 0
		for _, c := range version {
			if c < '0' || c > '9' {
				isVersion = false
				break
			}
		}
		if isVersion {
			id = id[:idx]
		}
	}
	return id
}
