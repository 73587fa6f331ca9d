package adapter

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/browser"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
)

// workflowRunner is the slice of the browser engine this adapter needs.
type workflowRunner interface {
	Execute(ctx context.Context, wf *domain.BrowserWorkflow, params browser.Parameters, yield func(browser.Record) error) error
}

// Browser runs a declarative workflow and normalizes the extracted records
// into Papers. Unlike the API adapters it is bound to one source's params
// at construction time.
type Browser struct {
	runner   workflowRunner
	params   *domain.BrowserParams
	username string
	password string
	log      *logrus.Entry
}

func NewBrowser(runner workflowRunner, params *domain.BrowserParams, username, password string, log *logrus.Entry) *Browser {
	return &Browser{
		runner:   runner,
		params:   params,
		username: username,
		password: password,
		log:      log,
	}
}

func (b *Browser) Kind() domain.SourceKind { return domain.KindBrowser }
func (b *Browser) RateLimitID() string     { return ratelimit.EndpointBrowser }

func (b *Browser) Validate(q Query) error {
	if err := b.params.Workflow.Validate(); err != nil {
		return &ConfigError{Reason: err.Error()}
	}
	for _, step := range b.params.Workflow.Steps {
		if step.Action == domain.ActionType && step.Parameterized && len(q.Keywords) == 0 {
			return &ConfigError{Reason: "workflow has a parameterized step but the query has no keywords"}
		}
	}
	return nil
}

// errLimitReached stops the workflow once maxResults records are in; it is
// not a failure.
var errLimitReached = errors.New("result limit reached")

func (b *Browser) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := b.Validate(q); err != nil {
		return err
	}

	params := browser.Parameters{
		Keywords:      q.Keywords,
		Username:      b.username,
		Password:      b.password,
		SessionID:     b.params.SessionID,
		SaveSessionID: b.params.SessionID,
	}

	yielded := 0
	err := b.runner.Execute(ctx, &b.params.Workflow, params, func(rec browser.Record) error {
		paper := recordToPaper(rec)
		if paper == nil {
			return nil
		}
		if err := paper.Validate(); err != nil {
			b.log.WithError(err).Debug("skipping invalid scraped record")
			return nil
		}
		if err := yield(paper); err != nil {
			return err
		}
		yielded++
		if yielded >= maxResults {
			return errLimitReached
		}
		return nil
	})
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}

var yearRE = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// recordToPaper maps the conventional extraction field names (title,
// authors, abstract, year, doi, url, venue) onto a Paper. Unknown fields
// are ignored.
func recordToPaper(rec browser.Record) *domain.Paper {
	title := collapseWhitespace(rec["title"])
	if title == "" {
		return nil
	}

	var authors []domain.Author
	for _, part := range splitAuthors(rec["authors"]) {
		authors = append(authors, domain.Author{FullName: part})
	}

	year := 0
	if match := yearRE.FindString(rec["year"]); match != "" {
		year, _ = strconv.Atoi(match)
	}

	return &domain.Paper{
		IDs: domain.Identifiers{
			DOI: domain.NormalizeDOI(rec["doi"]),
		},
		Title:         title,
		Authors:       authors,
		Abstract:      strings.TrimSpace(rec["abstract"]),
		Year:          year,
		Venue:         strings.TrimSpace(rec["venue"]),
		OpenAccessURL: strings.TrimSpace(rec["url"]),
		Provenance:    domain.ProvenanceBrowser,
		FetchedAt:     time.Now(),
	}
}

// splitAuthors handles "A; B; C" and "A, B, C" author lists.
func splitAuthors(raw string) []string {
	sep := ","
	if strings.Contains(raw, ";") {
		sep = ";"
	}
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if name := collapseWhitespace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
