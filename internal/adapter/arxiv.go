package adapter

import (
	"context"
	"encoding/xml"
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
	arxivBaseURL  = "http://export.arxiv.org/api/query"
	arxivPageSize = 100
)

// Arxiv queries the arXiv Atom API. Categories are OR'ed, keywords are
// OR'ed, and the two blocks are AND'ed together.
type Arxiv struct {
	httpClient *http.Client
	limiter    limiter
	contact    string
	log        *logrus.Entry
	baseURL    string
}

func NewArxiv(lim limiter, cfg config.AdapterConfig, contactEmail string, log *logrus.Entry) *Arxiv {
	return &Arxiv{
		httpClient: newHTTPClient(),
		limiter:    lim,
		contact:    contactEmail,
		log:        log,
		baseURL:    arxivBaseURL,
	}
}

// Atom feed response shapes. The parser is tolerant: missing DOI and
// journal_ref are expected for most entries.
type arxivFeed struct {
	XMLName      xml.Name     `xml:"feed"`
	TotalResults int          `xml:"totalResults"`
	Entries      []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID         string          `xml:"id"`
	Title      string          `xml:"title"`
	Summary    string          `xml:"summary"`
	Published  string          `xml:"published"`
	DOI        string          `xml:"doi"`
	JournalRef string          `xml:"journal_ref"`
	Authors    []arxivAuthor   `xml:"author"`
	Links      []arxivLink     `xml:"link"`
	Categories []arxivCategory `xml:"category"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type arxivCategory struct {
	Term string `xml:"term,attr"`
}

func (a *Arxiv) Kind() domain.SourceKind { return domain.KindArxiv }
func (a *Arxiv) RateLimitID() string     { return ratelimit.EndpointArxiv }

func (a *Arxiv) Validate(q Query) error {
	if len(q.Categories) == 0 && len(q.Keywords) == 0 {
		return &ConfigError{Reason: "arxiv query needs categories or keywords"}
	}
	return nil
}

func (a *Arxiv) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := a.Validate(q); err != nil {
		return err
	}

	searchQuery := buildArxivQuery(q)
	yielded := 0

	for start := 0; yielded < maxResults; start += arxivPageSize {
		pageSize := arxivPageSize
		if remaining := maxResults - yielded; remaining < pageSize {
			pageSize = remaining
		}

		params := url.Values{}
		params.Set("search_query", searchQuery)
		params.Set("start", fmt.Sprintf("%d", start))
		params.Set("max_results", fmt.Sprintf("%d", pageSize))
		params.Set("sortBy", arxivSort(q.SortBy))
		params.Set("sortOrder", arxivSortOrder(q.SortOrder))

		reqURL := fmt.Sprintf("%s?%s", a.baseURL, params.Encode())

		var feed arxivFeed
		err := DefaultRetry.Do(ctx, func() error {
			body, err := doGet(ctx, a.httpClient, a.limiter, a.RateLimitID(), reqURL, politeHeader(a.contact))
			if err != nil {
				return err
			}
			if err := xml.Unmarshal(body, &feed); err != nil {
				return &PermanentError{Err: fmt.Errorf("parsing arxiv feed: %w", err)}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(feed.Entries) == 0 {
			return nil
		}

		for i := range feed.Entries {
			paper := a.entryToPaper(&feed.Entries[i])
			if paper == nil {
				continue
			}
			if err := paper.Validate(); err != nil {
				a.log.WithError(err).Debug("skipping invalid arxiv entry")
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

		// Short page means the feed is exhausted.
		if len(feed.Entries) < pageSize {
			return nil
		}
	}
	return nil
}

// buildArxivQuery renders (cat:a OR cat:b) AND (all:"k1" OR all:"k2").
func buildArxivQuery(q Query) string {
	var blocks []string
	if len(q.Categories) > 0 {
		terms := make([]string, 0, len(q.Categories))
		for _, c := range q.Categories {
			terms = append(terms, "cat:"+c)
		}
		blocks = append(blocks, "("+strings.Join(terms, " OR ")+")")
	}
	if len(q.Keywords) > 0 {
		terms := make([]string, 0, len(q.Keywords))
		for _, k := range q.Keywords {
			terms = append(terms, fmt.Sprintf("all:%q", k))
		}
		blocks = append(blocks, "("+strings.Join(terms, " OR ")+")")
	}
	return strings.Join(blocks, " AND ")
}

func arxivSort(sortBy string) string {
	switch sortBy {
	case "date", "submittedDate":
		return "submittedDate"
	case "lastUpdatedDate":
		return "lastUpdatedDate"
	default:
		return "relevance"
	}
}

func arxivSortOrder(order string) string {
	if order == "ascending" {
		return "ascending"
	}
	return "descending"
}

func (a *Arxiv) entryToPaper(entry *arxivEntry) *domain.Paper {
	arxivID := domain.NormalizeArxivID(entry.ID)
	if arxivID == "" || !strings.Contains(entry.ID, "/abs/") {
		return nil
	}

	authors := make([]domain.Author, 0, len(entry.Authors))
	for _, au := range entry.Authors {
		name := strings.TrimSpace(au.Name)
		if name != "" {
			authors = append(authors, domain.Author{FullName: name})
		}
	}

	year := 0
	if entry.Published != "" {
		if t, err := time.Parse(time.RFC3339, entry.Published); err == nil {
			year = t.Year()
		}
	}

	pdfURL := fmt.Sprintf("https://arxiv.org/pdf/%s", arxivID)
	for _, link := range entry.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			pdfURL = link.Href
			break
		}
	}

	concepts := make([]string, 0, len(entry.Categories))
	for _, cat := range entry.Categories {
		if cat.Term != "" {
			concepts = append(concepts, cat.Term)
		}
	}

	return &domain.Paper{
		IDs: domain.Identifiers{
			ArxivID: arxivID,
			DOI:     domain.NormalizeDOI(entry.DOI),
		},
		Title:         collapseWhitespace(entry.Title),
		Authors:       authors,
		Abstract:      strings.TrimSpace(entry.Summary),
		Year:          year,
		Venue:         strings.TrimSpace(entry.JournalRef),
		Concepts:      concepts,
		OpenAccessURL: pdfURL,
		Provenance:    domain.ProvenanceArxiv,
		FetchedAt:     time.Now(),
	}
}

// collapseWhitespace folds the newline-wrapped titles arXiv feeds produce
// into single-space form.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
