// Package adapter translates normalized discovery queries into
// provider-specific requests and yields normalized Paper records.
package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
)

// Query is the provider-independent search request built by the Context
// Analyzer and the source config.
type Query struct {
	Keywords   []string
	Categories []string
	Concepts   []string
	Authors    []string
	DateFrom   *time.Time
	DateTo     *time.Time
	SortBy     string // relevance | citations | date
	SortOrder  string // ascending | descending; providers that cannot honor it ignore it
}

// YieldFunc receives each candidate as it is parsed. Returning an error
// stops the adapter; the error propagates out of Discover unchanged.
type YieldFunc func(*domain.Paper) error

// Adapter is the capability set every provider kind implements.
type Adapter interface {
	Kind() domain.SourceKind
	RateLimitID() string
	// Validate rejects queries the provider cannot serve (including a
	// missing API key) before any network call happens.
	Validate(q Query) error
	// Discover yields up to maxResults candidates. The sequence is finite
	// and not restartable. Every yielded Paper has this adapter's
	// provenance and passes domain validation.
	Discover(ctx context.Context, q Query, maxResults int, yield YieldFunc) error
}

const httpTimeout = 30 * time.Second

// limiter is the slice of the rate-limit registry adapters depend on.
type limiter interface {
	Acquire(ctx context.Context, id string) error
}

func userAgent(contactEmail string) string {
	if contactEmail != "" {
		return fmt.Sprintf("Thoth/%s (mailto:%s)", config.Version, contactEmail)
	}
	return fmt.Sprintf("Thoth/%s", config.Version)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// politeHeader is the User-Agent header sent on every provider request.
func politeHeader(contactEmail string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent(contactEmail))
	return h
}

// doGet performs one rate-limited GET and classifies the outcome per the
// shared error taxonomy. Callers wrap it in the retry policy.
func doGet(ctx context.Context, client *http.Client, lim limiter, limitID, reqURL string, header http.Header) ([]byte, error) {
	if err := lim.Acquire(ctx, limitID); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if err := classifyStatus(resp.StatusCode, reqURL); err != nil {
		return nil, err
	}
	return body, nil
}
