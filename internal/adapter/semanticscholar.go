package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
)

const (
	s2BaseURL  = "https://api.semanticscholar.org/graph/v1/paper/search"
	s2PageSize = 100
	// The relevance search endpoint serves at most the first 1000 results;
	// pagination past that returns an error, so we stop before it.
	s2MaxOffset = 1000
)

// SemanticScholar queries the S2 Graph API with offset pagination.
type SemanticScholar struct {
	httpClient *http.Client
	limiter    limiter
	apiKey     string
	contact    string
	log        *logrus.Entry
	baseURL    string
}

func NewSemanticScholar(lim limiter, cfg config.AdapterConfig, contactEmail string, log *logrus.Entry) *SemanticScholar {
	return &SemanticScholar{
		httpClient: newHTTPClient(),
		limiter:    lim,
		apiKey:     cfg.APIKey,
		contact:    contactEmail,
		log:        log,
		baseURL:    s2BaseURL,
	}
}

type s2Response struct {
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Next   int       `json:"next"`
	Data   []s2Paper `json:"data"`
}

type s2Paper struct {
	PaperID         string     `json:"paperId"`
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract"`
	Year            int        `json:"year"`
	Venue           string     `json:"venue"`
	CitationCount   int        `json:"citationCount"`
	FieldsOfStudy   []string   `json:"fieldsOfStudy"`
	PublicationDate string     `json:"publicationDate"`
	Authors         []s2Author `json:"authors"`
	ExternalIDs     struct {
		ArXiv  string `json:"ArXiv"`
		DOI    string `json:"DOI"`
		PubMed string `json:"PubMed"`
	} `json:"externalIds"`
	OpenAccessPDF *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
	References []struct {
		PaperID string `json:"paperId"`
	} `json:"references"`
}

type s2Author struct {
	AuthorID string `json:"authorId"`
	Name     string `json:"name"`
}

func (s *SemanticScholar) Kind() domain.SourceKind { return domain.KindSemanticScholar }
func (s *SemanticScholar) RateLimitID() string     { return ratelimit.EndpointSemanticScholar }

func (s *SemanticScholar) Validate(q Query) error {
	if len(q.Keywords) == 0 && len(q.Authors) == 0 {
		return &ConfigError{Reason: "semantic scholar query needs keywords or authors"}
	}
	return nil
}

func (s *SemanticScholar) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := s.Validate(q); err != nil {
		return err
	}

	yielded := 0
	for offset := 0; yielded < maxResults && offset < s2MaxOffset; {
		pageSize := s2PageSize
		if remaining := maxResults - yielded; remaining < pageSize {
			pageSize = remaining
		}
		if offset+pageSize > s2MaxOffset {
			pageSize = s2MaxOffset - offset
		}

		params := url.Values{}
		params.Set("query", strings.Join(append(append([]string{}, q.Keywords...), q.Authors...), " "))
		params.Set("offset", fmt.Sprintf("%d", offset))
		params.Set("limit", fmt.Sprintf("%d", pageSize))
		params.Set("fields", "title,abstract,year,venue,citationCount,fieldsOfStudy,publicationDate,authors,externalIds,openAccessPdf")
		if q.SortBy == "citations" {
			params.Set("sort", "citationCount:desc")
		}
		if q.DateFrom != nil || q.DateTo != nil {
			from, to := "", ""
			if q.DateFrom != nil {
				from = q.DateFrom.Format("2006-01-02")
			}
			if q.DateTo != nil {
				to = q.DateTo.Format("2006-01-02")
			}
			params.Set("publicationDateOrYear", from+":"+to)
		}

		header := politeHeader(s.contact)
		if s.apiKey != "" {
			header.Set("x-api-key", s.apiKey)
		}

		var page s2Response
		err := DefaultRetry.Do(ctx, func() error {
			body, err := doGet(ctx, s.httpClient, s.limiter, s.RateLimitID(),
				fmt.Sprintf("%s?%s", s.baseURL, params.Encode()), header)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return &PermanentError{Err: fmt.Errorf("parsing semantic scholar response: %w", err)}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(page.Data) == 0 {
			return nil
		}

		for i := range page.Data {
			paper := s2ToPaper(&page.Data[i])
			if paper == nil {
				continue
			}
			if err := paper.Validate(); err != nil {
				s.log.WithError(err).Debug("skipping invalid semantic scholar paper")
				continue
			}
			if err := yield(paper); err != nil {
				return err
			}
			yielded++
			if yielded >= maxResults {
				return nil
			}
		}

		if page.Next == 0 || page.Next <= offset {
			return nil
		}
		offset = page.Next
	}
	return nil
}

func s2ToPaper(r *s2Paper) *domain.Paper {
	if r.Title == "" {
		return nil
	}

	authors := make([]domain.Author, 0, len(r.Authors))
	for _, a := range r.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, domain.Author{FullName: name})
		}
	}

	oaURL := ""
	if r.OpenAccessPDF != nil {
		oaURL = r.OpenAccessPDF.URL
	}

	var refs []string
	for _, ref := range r.References {
		if ref.PaperID != "" {
			refs = append(refs, ref.PaperID)
		}
	}

	citations := r.CitationCount
	return &domain.Paper{
		IDs: domain.Identifiers{
			SemanticScholarID: r.PaperID,
			DOI:               domain.NormalizeDOI(r.ExternalIDs.DOI),
			ArxivID:           domain.NormalizeArxivID(r.ExternalIDs.ArXiv),
			PubmedID:          r.ExternalIDs.PubMed,
		},
		Title:         collapseWhitespace(r.Title),
		Authors:       authors,
		Abstract:      strings.TrimSpace(r.Abstract),
		Year:          r.Year,
		Venue:         r.Venue,
		Concepts:      r.FieldsOfStudy,
		CitationCount: &citations,
		OpenAccessURL: oaURL,
		References:    refs,
		Provenance:    domain.ProvenanceSemanticScholar,
		FetchedAt:     time.Now(),
	}
}
