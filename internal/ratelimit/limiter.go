// Package ratelimit provides the per-endpoint token buckets every adapter
// acquires from before touching a remote API.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Endpoint ids used by the built-in adapters.
const (
	EndpointArxiv           = "arxiv"
	EndpointPubmed          = "pubmed"
	EndpointCrossref        = "crossref"
	EndpointOpenAlex        = "openalex"
	EndpointSemanticScholar = "semantic_scholar"
	EndpointBrowser         = "browser"
)

type bucketDefault struct {
	perSec float64
	burst  int
}

// Provider defaults. PubMed moves to 10/s when an API key is configured;
// the browser bucket doubles as the context-pool admission gate.
var defaults = map[string]bucketDefault{
	EndpointArxiv:           {perSec: 1.0 / 3.0, burst: 1},
	EndpointPubmed:          {perSec: 3, burst: 10},
	EndpointCrossref:        {perSec: 50, burst: 100},
	EndpointOpenAlex:        {perSec: 10, burst: 50},
	EndpointSemanticScholar: {perSec: 100, burst: 100},
	EndpointBrowser:         {perSec: 1, burst: 5},
}

// Registry holds one token bucket per endpoint id. Acquire blocks until a
// token is available or the context is cancelled; cancellation is the only
// non-ok outcome. Reconfiguration adjusts the live bucket, so waiters queued
// on the old parameters are served under the new ones rather than dropped.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*rate.Limiter)}
}

func (r *Registry) bucket(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[id]; ok {
		return b
	}
	d, ok := defaults[id]
	if !ok {
		// Unknown endpoints get a conservative 1 req/s.
		d = bucketDefault{perSec: 1, burst: 1}
	}
	b := rate.NewLimiter(rate.Limit(d.perSec), d.burst)
	r.buckets[id] = b
	return b
}

// Acquire blocks until one token for id is available. Returns the context
// error when cancelled, nil otherwise.
func (r *Registry) Acquire(ctx context.Context, id string) error {
	return r.bucket(id).Wait(ctx)
}

// Configure sets the bucket parameters for id, creating the bucket if
// needed. Takes effect immediately for queued waiters.
func (r *Registry) Configure(id string, perSec float64, burst int) {
	if perSec <= 0 || burst < 1 {
		return
	}
	b := r.bucket(id)
	b.SetLimit(rate.Limit(perSec))
	b.SetBurst(burst)
}

// Allow reports whether a token is immediately available, consuming it if
// so. Used by tests and the status endpoint; adapters always use Acquire.
func (r *Registry) Allow(id string) bool {
	return r.bucket(id).Allow()
}
