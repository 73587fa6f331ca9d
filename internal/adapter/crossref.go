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
	crossrefBaseURL  = "https://api.crossref.org/works"
	crossrefPageSize = 100
)

// Crossref queries the CrossRef works API with cursor pagination
// (cursor=* then next-cursor). The polite-pool User-Agent is always set;
// an API token is optional (Crossref Metadata Plus).
type Crossref struct {
	httpClient *http.Client
	limiter    limiter
	apiKey     string
	contact    string
	log        *logrus.Entry
	baseURL    string

	journalsOnly bool
}

func NewCrossref(lim limiter, cfg config.AdapterConfig, contactEmail string, log *logrus.Entry) *Crossref {
	return &Crossref{
		httpClient: newHTTPClient(),
		limiter:    lim,
		apiKey:     cfg.APIKey,
		contact:    contactEmail,
		log:        log,
		baseURL:    crossrefBaseURL,
	}
}

// SetJournalsOnly restricts results to type=journal-article.
func (c *Crossref) SetJournalsOnly(v bool) { c.journalsOnly = v }

type crossrefResponse struct {
	Status  string `json:"status"`
	Message struct {
		TotalResults int             `json:"total-results"`
		NextCursor   string          `json:"next-cursor"`
		Items        []crossrefMaybe `json:"items"`
	} `json:"message"`
}

// crossrefMaybe defers item decoding so one malformed record is skipped
// instead of poisoning the page.
type crossrefMaybe struct {
	raw json.RawMessage
}

func (m *crossrefMaybe) UnmarshalJSON(data []byte) error {
	m.raw = append(m.raw[:0], data...)
	return nil
}

type crossrefWork struct {
	DOI       string              `json:"DOI"`
	Title     []string            `json:"title"`
	Abstract  string              `json:"abstract"`
	Author    []crossrefAuthor    `json:"author"`
	Published *crossrefDateParts  `json:"published"`
	Container []string            `json:"container-title"`
	Subject   []string            `json:"subject"`
	CitedBy   int                 `json:"is-referenced-by-count"`
	Links     []crossrefLink      `json:"link"`
	Reference []crossrefReference `json:"reference"`
}

type crossrefAuthor struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}

type crossrefDateParts struct {
	DateParts [][]int `json:"date-parts"`
}

type crossrefLink struct {
	URL         string `json:"URL"`
	ContentType string `json:"content-type"`
}

type crossrefReference struct {
	DOI string `json:"DOI"`
}

func (c *Crossref) Kind() domain.SourceKind { return domain.KindCrossref }
func (c *Crossref) RateLimitID() string     { return ratelimit.EndpointCrossref }

func (c *Crossref) Validate(q Query) error {
	if len(q.Keywords) == 0 && len(q.Authors) == 0 {
		return &ConfigError{Reason: "crossref query needs keywords or authors"}
	}
	return nil
}

func (c *Crossref) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := c.Validate(q); err != nil {
		return err
	}

	cursor := "*"
	yielded := 0

	for yielded < maxResults {
		pageSize := crossrefPageSize
		if remaining := maxResults - yielded; remaining < pageSize {
			pageSize = remaining
		}

		params := url.Values{}
		params.Set("query", strings.Join(q.Keywords, " "))
		params.Set("rows", fmt.Sprintf("%d", pageSize))
		params.Set("cursor", cursor)
		if filters := c.buildFilters(q); filters != "" {
			params.Set("filter", filters)
		}
		if c.contact != "" {
			params.Set("mailto", c.contact)
		}

		header := politeHeader(c.contact)
		if c.apiKey != "" {
			header.Set("Crossref-Plus-API-Token", "Bearer "+c.apiKey)
		}

		var page crossrefResponse
		err := DefaultRetry.Do(ctx, func() error {
			body, err := doGet(ctx, c.httpClient, c.limiter, c.RateLimitID(),
				fmt.Sprintf("%s?%s", c.baseURL, params.Encode()), header)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return &PermanentError{Err: fmt.Errorf("parsing crossref response: %w", err)}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(page.Message.Items) == 0 {
			return nil
		}

		for _, item := range page.Message.Items {
			var work crossrefWork
			if err := json.Unmarshal(item.raw, &work); err != nil {
				c.log.WithError(err).Debug("skipping malformed crossref item")
				continue
			}
			paper := crossrefToPaper(&work)
			if paper == nil {
				continue
			}
			if err := paper.Validate(); err != nil {
				c.log.WithError(err).Debug("skipping invalid crossref work")
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

		if page.Message.NextCursor == "" || page.Message.NextCursor == cursor {
			return nil
		}
		cursor = page.Message.NextCursor
	}
	return nil
}

func (c *Crossref) buildFilters(q Query) string {
	var filters []string
	if q.DateFrom != nil {
		filters = append(filters, "from-pub-date:"+q.DateFrom.Format("2006-01-02"))
	}
	if q.DateTo != nil {
		filters = append(filters, "until-pub-date:"+q.DateTo.Format("2006-01-02"))
	}
	if c.journalsOnly {
		filters = append(filters, "type:journal-article")
	}
	return strings.Join(filters, ",")
}

func crossrefToPaper(w *crossrefWork) *domain.Paper {
	if len(w.Title) == 0 || strings.TrimSpace(w.Title[0]) == "" {
		return nil
	}

	authors := make([]domain.Author, 0, len(w.Author))
	for _, au := range w.Author {
		full := strings.TrimSpace(au.Given + " " + au.Family)
		if full == "" {
			full = strings.TrimSpace(au.Name)
		}
		if full == "" {
			continue
		}
		authors = append(authors, domain.Author{
			FullName: full,
			Given:    au.Given,
			Family:   au.Family,
		})
	}

	year := 0
	if w.Published != nil && len(w.Published.DateParts) > 0 && len(w.Published.DateParts[0]) > 0 {
		year = w.Published.DateParts[0][0]
	}

	venue := ""
	if len(w.Container) > 0 {
		venue = w.Container[0]
	}

	oaURL := ""
	for _, link := range w.Links {
		if link.ContentType == "application/pdf" {
			oaURL = link.URL
			break
		}
	}

	var refs []string
	for _, ref := range w.Reference {
		if ref.DOI != "" {
			refs = append(refs, domain.NormalizeDOI(ref.DOI))
		}
	}

	citations := w.CitedBy
	return &domain.Paper{
		IDs:           domain.Identifiers{DOI: domain.NormalizeDOI(w.DOI)},
		Title:         collapseWhitespace(w.Title[0]),
		Authors:       authors,
		Abstract:      stripJATS(w.Abstract),
		Year:          year,
		Venue:         venue,
		Concepts:      w.Subject,
		CitationCount: &citations,
		OpenAccessURL: oaURL,
		References:    refs,
		Provenance:    domain.ProvenanceCrossref,
		FetchedAt:     time.Now(),
	}
}

// stripJATS removes the JATS XML tags CrossRef embeds in abstracts.
func stripJATS(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
