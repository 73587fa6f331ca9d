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
	openalexBaseURL  = "https://api.openalex.org/works"
	openalexPageSize = 100
)

// OpenAlex queries the OpenAlex works API with cursor pagination. The
// contact email is always sent for the polite pool.
type OpenAlex struct {
	httpClient *http.Client
	limiter    limiter
	contact    string
	log        *logrus.Entry
	baseURL    string
}

func NewOpenAlex(lim limiter, cfg config.AdapterConfig, contactEmail string, log *logrus.Entry) *OpenAlex {
	return &OpenAlex{
		httpClient: newHTTPClient(),
		limiter:    lim,
		contact:    contactEmail,
		log:        log,
		baseURL:    openalexBaseURL,
	}
}

type openalexResponse struct {
	Meta struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
	Results []openalexWork `json:"results"`
}

type openalexWork struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	PublicationYear       int              `json:"publication_year"`
	CitedByCount          int              `json:"cited_by_count"`
	Authorships           []oaAuthorship   `json:"authorships"`
	PrimaryLocation       *oaLocation      `json:"primary_location"`
	OpenAccess            *oaOpenAccess    `json:"open_access"`
	IDs                   map[string]any   `json:"ids"`
	Concepts              []oaConcept      `json:"concepts"`
	ReferencedWorks       []string         `json:"referenced_works"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

type oaAuthorship struct {
	Author struct {
		DisplayName string `json:"display_name"`
	} `json:"author"`
}

type oaLocation struct {
	LandingPageURL string `json:"landing_page_url"`
	PDFURL         string `json:"pdf_url"`
	Source         *struct {
		DisplayName string `json:"display_name"`
	} `json:"source"`
}

type oaOpenAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}

type oaConcept struct {
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"score"`
}

func (o *OpenAlex) Kind() domain.SourceKind { return domain.KindOpenAlex }
func (o *OpenAlex) RateLimitID() string     { return ratelimit.EndpointOpenAlex }

func (o *OpenAlex) Validate(q Query) error {
	if len(q.Keywords) == 0 && len(q.Concepts) == 0 {
		return &ConfigError{Reason: "openalex query needs keywords or concepts"}
	}
	return nil
}

func (o *OpenAlex) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := o.Validate(q); err != nil {
		return err
	}

	cursor := "*"
	yielded := 0

	for yielded < maxResults {
		pageSize := openalexPageSize
		if remaining := maxResults - yielded; remaining < pageSize {
			pageSize = remaining
		}

		params := url.Values{}
		if len(q.Keywords) > 0 {
			params.Set("search", strings.Join(q.Keywords, " "))
		}
		if filters := buildOpenAlexFilters(q); filters != "" {
			params.Set("filter", filters)
		}
		params.Set("per-page", fmt.Sprintf("%d", pageSize))
		params.Set("cursor", cursor)
		if o.contact != "" {
			params.Set("mailto", o.contact)
		}

		var page openalexResponse
		err := DefaultRetry.Do(ctx, func() error {
			body, err := doGet(ctx, o.httpClient, o.limiter, o.RateLimitID(),
				fmt.Sprintf("%s?%s", o.baseURL, params.Encode()), politeHeader(o.contact))
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return &PermanentError{Err: fmt.Errorf("parsing openalex response: %w", err)}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(page.Results) == 0 {
			return nil
		}

		for i := range page.Results {
			paper := openalexToPaper(&page.Results[i])
			if paper == nil {
				continue
			}
			if err := paper.Validate(); err != nil {
				o.log.WithError(err).Debug("skipping invalid openalex work")
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

		if page.Meta.NextCursor == "" {
			return nil
		}
		cursor = page.Meta.NextCursor
	}
	return nil
}

func buildOpenAlexFilters(q Query) string {
	var filters []string
	if q.DateFrom != nil {
		filters = append(filters, "from_publication_date:"+q.DateFrom.Format("2006-01-02"))
	}
	if q.DateTo != nil {
		filters = append(filters, "to_publication_date:"+q.DateTo.Format("2006-01-02"))
	}
	if len(q.Concepts) > 0 {
		filters = append(filters, "concepts.id:"+strings.Join(q.Concepts, "|"))
	}
	return strings.Join(filters, ",")
}

func openalexToPaper(w *openalexWork) *domain.Paper {
	title := w.Title
	if title == "" {
		title = w.DisplayName
	}
	if title == "" {
		return nil
	}

	authors := make([]domain.Author, 0, len(w.Authorships))
	for _, a := range w.Authorships {
		if name := strings.TrimSpace(a.Author.DisplayName); name != "" {
			authors = append(authors, domain.Author{FullName: name})
		}
	}

	venue := ""
	if w.PrimaryLocation != nil && w.PrimaryLocation.Source != nil {
		venue = w.PrimaryLocation.Source.DisplayName
	}

	oaURL := ""
	if w.PrimaryLocation != nil && w.PrimaryLocation.PDFURL != "" {
		oaURL = w.PrimaryLocation.PDFURL
	} else if w.OpenAccess != nil && w.OpenAccess.OAURL != "" {
		oaURL = w.OpenAccess.OAURL
	}

	concepts := make([]string, 0, len(w.Concepts))
	for _, c := range w.Concepts {
		if c.DisplayName != "" {
			concepts = append(concepts, c.DisplayName)
		}
	}

	refs := make([]string, 0, len(w.ReferencedWorks))
	for _, r := range w.ReferencedWorks {
		refs = append(refs, strings.TrimPrefix(r, "https://openalex.org/"))
	}

	ids := domain.Identifiers{
		OpenAlexID: strings.TrimPrefix(w.ID, "https://openalex.org/"),
		DOI:        domain.NormalizeDOI(w.DOI),
	}
	if pmid, ok := w.IDs["pmid"].(string); ok {
		ids.PubmedID = strings.Trim(strings.TrimPrefix(pmid, "https://pubmed.ncbi.nlm.nih.gov/"), "/")
	}
	// arXiv-hosted works carry a 10.48550/arxiv.<id> DOI.
	if strings.HasPrefix(ids.DOI, "10.48550/arxiv.") {
		ids.ArxivID = domain.NormalizeArxivID(ids.DOI[len("10.48550/arxiv."):])
	}

	citations := w.CitedByCount
	return &domain.Paper{
		IDs:           ids,
		Title:         collapseWhitespace(title),
		Authors:       authors,
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Year:          w.PublicationYear,
		Venue:         venue,
		Concepts:      concepts,
		CitationCount: &citations,
		OpenAccessURL: oaURL,
		References:    refs,
		Provenance:    domain.ProvenanceOpenAlex,
		FetchedAt:     time.Now(),
	}
}

// reconstructAbstract rebuilds plain text from OpenAlex's inverted index
// format, {"word": [pos1, pos2], ...}.
func reconstructAbstract(invertedIndex map[string][]int) string {
	if len(invertedIndex) == 0 {
		return ""
	}

	maxPos := 0
	for _, positions := range invertedIndex {
		for _, pos := range positions {
			if pos > maxPos {
				maxPos = pos
			}
		}
	}

	words := make([]string, maxPos+1)
	for word, positions := range invertedIndex {
		for _, pos := range positions {
			if pos >= 0 && pos <= maxPos {
				words[pos] = word
			}
		}
	}

	var sb strings.Builder
	for _, word := range words {
		if word == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(word)
	}
	return sb.String()
}
