package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
)

const (
	pubmedESearchURL  = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	pubmedEFetchURL   = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"
	pubmedFetchBatch  = 100
	pubmedKeyedPerSec = 10 // E-utilities allow 10/s with an API key
)

// Pubmed is the NCBI E-utilities adapter. Discovery is two-phase: E-search
// resolves PMIDs, E-fetch hydrates them in batches.
type Pubmed struct {
	httpClient *http.Client
	limiter    limiter
	apiKey     string
	contact    string
	log        *logrus.Entry
	searchURL  string
	fetchURL   string
}

func NewPubmed(lim limiter, cfg config.AdapterConfig, contactEmail string, log *logrus.Entry) *Pubmed {
	return &Pubmed{
		httpClient: newHTTPClient(),
		limiter:    lim,
		apiKey:     cfg.APIKey,
		contact:    contactEmail,
		log:        log,
		searchURL:  pubmedESearchURL,
		fetchURL:   pubmedEFetchURL,
	}
}

// E-utilities response shapes, trimmed to the fields we normalize.
type pubmedESearchResult struct {
	XMLName xml.Name `xml:"eSearchResult"`
	Count   int      `xml:"Count"`
	IDList  struct {
		IDs []string `xml:"Id"`
	} `xml:"IdList"`
}

type pubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	MedlineCitation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Journal struct {
				Title   string `xml:"Title"`
				PubDate struct {
					Year string `xml:"Year"`
				} `xml:"JournalIssue>PubDate"`
			} `xml:"Journal"`
			ArticleTitle string `xml:"ArticleTitle"`
			Abstract     struct {
				Sections []pubmedAbstractText `xml:"AbstractText"`
			} `xml:"Abstract"`
			AuthorList struct {
				Authors []pubmedAuthor `xml:"Author"`
			} `xml:"AuthorList"`
		} `xml:"Article"`
		MeshHeadings []struct {
			Descriptor string `xml:"DescriptorName"`
		} `xml:"MeshHeadingList>MeshHeading"`
	} `xml:"MedlineCitation"`
	PubmedData struct {
		ArticleIDs []pubmedArticleID `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

type pubmedAbstractText struct {
	Label string `xml:"Label,attr"`
	Text  string `xml:",chardata"`
}

type pubmedAuthor struct {
	LastName       string `xml:"LastName"`
	ForeName       string `xml:"ForeName"`
	CollectiveName string `xml:"CollectiveName"`
}

type pubmedArticleID struct {
	IDType string `xml:"IdType,attr"`
	Value  string `xml:",chardata"`
}

func (p *Pubmed) Kind() domain.SourceKind { return domain.KindPubmed }
func (p *Pubmed) RateLimitID() string     { return ratelimit.EndpointPubmed }

func (p *Pubmed) Validate(q Query) error {
	if len(q.Keywords) == 0 {
		return &ConfigError{Reason: "pubmed query needs keywords"}
	}
	return nil
}

func (p *Pubmed) Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error {
	if maxResults < 1 {
		return &ConfigError{Reason: "max results must be >= 1"}
	}
	if err := p.Validate(q); err != nil {
		return err
	}

	pmids, err := p.search(ctx, q, maxResults)
	if err != nil {
		return err
	}
	if len(pmids) == 0 {
		return nil
	}

	yielded := 0
	for start := 0; start < len(pmids); start += pubmedFetchBatch {
		end := start + pubmedFetchBatch
		if end > len(pmids) {
			end = len(pmids)
		}
		papers, err := p.fetchArticles(ctx, pmids[start:end])
		if err != nil {
			return err
		}
		for _, paper := range papers {
			if err := paper.Validate(); err != nil {
				p.log.WithError(err).Debug("skipping invalid pubmed article")
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
	}
	return nil
}

func (p *Pubmed) search(ctx context.Context, q Query, maxResults int) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", buildPubmedTerm(q))
	params.Set("retmax", strconv.Itoa(maxResults))
	params.Set("sort", "relevance")
	params.Set("retmode", "xml")
	p.commonParams(params)

	var result pubmedESearchResult
	err := DefaultRetry.Do(ctx, func() error {
		body, err := doGet(ctx, p.httpClient, p.limiter, p.RateLimitID(),
			fmt.Sprintf("%s?%s", p.searchURL, params.Encode()), politeHeader(p.contact))
		if err != nil {
			return err
		}
		if err := xml.Unmarshal(body, &result); err != nil {
			return &PermanentError{Err: fmt.Errorf("parsing esearch response: %w", err)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.IDList.IDs, nil
}

func (p *Pubmed) fetchArticles(ctx context.Context, pmids []string) ([]*domain.Paper, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(pmids, ","))
	params.Set("retmode", "xml")
	params.Set("rettype", "abstract")
	p.commonParams(params)

	var set pubmedArticleSet
	err := DefaultRetry.Do(ctx, func() error {
		body, err := doGet(ctx, p.httpClient, p.limiter, p.RateLimitID(),
			fmt.Sprintf("%s?%s", p.fetchURL, params.Encode()), politeHeader(p.contact))
		if err != nil {
			return err
		}
		if err := xml.Unmarshal(body, &set); err != nil {
			return &PermanentError{Err: fmt.Errorf("parsing efetch response: %w", err)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	papers := make([]*domain.Paper, 0, len(set.Articles))
	for i := range set.Articles {
		if paper := pubmedToPaper(&set.Articles[i]); paper != nil {
			papers = append(papers, paper)
		}
	}
	return papers, nil
}

func (p *Pubmed) commonParams(params url.Values) {
	if p.apiKey != "" {
		params.Set("api_key", p.apiKey)
	}
	if p.contact != "" {
		params.Set("email", p.contact)
	}
	params.Set("tool", "thoth")
}

func buildPubmedTerm(q Query) string {
	terms := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		terms = append(terms, fmt.Sprintf("(%s)", k))
	}
	term := strings.Join(terms, " OR ")
	if q.DateFrom != nil || q.DateTo != nil {
		from, to := "1900/01/01", "3000"
		if q.DateFrom != nil {
			from = q.DateFrom.Format("2006/01/02")
		}
		if q.DateTo != nil {
			to = q.DateTo.Format("2006/01/02")
		}
		term = fmt.Sprintf("(%s) AND (%s:%s[dp])", term, from, to)
	}
	return term
}

func pubmedToPaper(article *pubmedArticle) *domain.Paper {
	pmid := strings.TrimSpace(article.MedlineCitation.PMID)
	if pmid == "" {
		return nil
	}

	// Labelled abstract sections are concatenated in declared order.
	var parts []string
	for _, sec := range article.MedlineCitation.Article.Abstract.Sections {
		text := strings.TrimSpace(sec.Text)
		if text == "" {
			continue
		}
		if sec.Label != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", sec.Label, text))
		} else {
			parts = append(parts, text)
		}
	}

	var authors []domain.Author
	for _, au := range article.MedlineCitation.Article.AuthorList.Authors {
		switch {
		case au.CollectiveName != "":
			authors = append(authors, domain.Author{FullName: strings.TrimSpace(au.CollectiveName)})
		case au.LastName != "":
			authors = append(authors, domain.Author{
				FullName: strings.TrimSpace(au.ForeName + " " + au.LastName),
				Given:    strings.TrimSpace(au.ForeName),
				Family:   strings.TrimSpace(au.LastName),
			})
		}
	}

	year := 0
	if y := article.MedlineCitation.Article.Journal.PubDate.Year; y != "" {
		year, _ = strconv.Atoi(y)
	}

	var doi string
	for _, id := range article.PubmedData.ArticleIDs {
		if id.IDType == "doi" {
			doi = domain.NormalizeDOI(id.Value)
		}
	}

	concepts := make([]string, 0, len(article.MedlineCitation.MeshHeadings))
	for _, mh := range article.MedlineCitation.MeshHeadings {
		if d := strings.TrimSpace(mh.Descriptor); d != "" {
			concepts = append(concepts, d)
		}
	}

	return &domain.Paper{
		IDs: domain.Identifiers{
			PubmedID: pmid,
			DOI:      doi,
		},
		Title:      collapseWhitespace(article.MedlineCitation.Article.ArticleTitle),
		Authors:    authors,
		Abstract:   strings.Join(parts, "\n\n"),
		Year:       year,
		Venue:      strings.TrimSpace(article.MedlineCitation.Article.Journal.Title),
		Concepts:   concepts,
		Provenance: domain.ProvenancePubmed,
		FetchedAt:  time.Now(),
	}
}
