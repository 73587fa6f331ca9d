package adapter

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/browser"
	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
)

// Factory builds adapters from source configs. API adapters are cheap and
// constructed per call; the browser engine is expensive, so one engine is
// shared and started on first use.
type Factory struct {
	cfg     *config.Config
	limiter *ratelimit.Registry
	log     *logrus.Entry

	engineOnce sync.Once
	engine     *browser.Engine
	engineErr  error
}

func NewFactory(cfg *config.Config, lim *ratelimit.Registry, log *logrus.Entry) *Factory {
	f := &Factory{cfg: cfg, limiter: lim, log: log}
	f.applyRateOverrides()
	return f
}

// applyRateOverrides pushes configured per-provider rates into the shared
// registry. A keyed PubMed account gets the higher documented allowance
// unless an explicit override wins.
func (f *Factory) applyRateOverrides() {
	overrides := map[string]config.AdapterConfig{
		ratelimit.EndpointArxiv:           f.cfg.Adapters.Arxiv,
		ratelimit.EndpointPubmed:          f.cfg.Adapters.Pubmed,
		ratelimit.EndpointCrossref:        f.cfg.Adapters.Crossref,
		ratelimit.EndpointOpenAlex:        f.cfg.Adapters.OpenAlex,
		ratelimit.EndpointSemanticScholar: f.cfg.Adapters.SemanticScholar,
	}
	for id, ac := range overrides {
		if ac.RateOverride > 0 {
			f.limiter.Configure(id, ac.RateOverride, int(ac.RateOverride)+1)
		}
	}
	if f.cfg.Adapters.Pubmed.APIKey != "" && f.cfg.Adapters.Pubmed.RateOverride <= 0 {
		f.limiter.Configure(ratelimit.EndpointPubmed, pubmedKeyedPerSec, pubmedKeyedPerSec)
	}
}

// ForSource returns the adapter for one source config. Browser sources get
// an adapter bound to their workflow params.
func (f *Factory) ForSource(sc *domain.SourceConfig) (Adapter, error) {
	if sc.Kind != domain.KindBrowser {
		return f.ForKind(sc.Kind)
	}
	params, err := sc.ParseParams()
	if err != nil {
		return nil, err
	}
	bp, ok := params.(*domain.BrowserParams)
	if !ok {
		return nil, fmt.Errorf("browser source %s has non-browser params", sc.Name)
	}
	engine, err := f.browserEngine()
	if err != nil {
		return nil, err
	}
	log := f.log.WithField("adapter", domain.KindBrowser)
	return NewBrowser(engine, bp, f.cfg.Browser.Username, f.cfg.Browser.Password, log), nil
}

// ForKind returns a fresh API adapter for kind.
func (f *Factory) ForKind(kind domain.SourceKind) (Adapter, error) {
	log := f.log.WithField("adapter", kind)
	switch kind {
	case domain.KindArxiv:
		return NewArxiv(f.limiter, f.cfg.Adapters.Arxiv, f.cfg.ContactEmail, log), nil
	case domain.KindPubmed:
		return NewPubmed(f.limiter, f.cfg.Adapters.Pubmed, f.cfg.ContactEmail, log), nil
	case domain.KindCrossref:
		return NewCrossref(f.limiter, f.cfg.Adapters.Crossref, f.cfg.ContactEmail, log), nil
	case domain.KindOpenAlex:
		return NewOpenAlex(f.limiter, f.cfg.Adapters.OpenAlex, f.cfg.ContactEmail, log), nil
	case domain.KindSemanticScholar:
		return NewSemanticScholar(f.limiter, f.cfg.Adapters.SemanticScholar, f.cfg.ContactEmail, log), nil
	case domain.KindBrowser:
		return nil, fmt.Errorf("browser adapters need a source config, use ForSource")
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

func (f *Factory) browserEngine() (*browser.Engine, error) {
	f.engineOnce.Do(func() {
		store, err := browser.NewSessionStore(f.cfg.Browser.SessionsDir, f.cfg.Browser.SessionMaxAge, f.log.WithField("component", "sessions"))
		if err != nil {
			f.engineErr = err
			return
		}
		f.engine = browser.NewEngine(f.limiter, store, f.cfg.Browser.MaxConcurrentContexts, f.log.WithField("component", "browser"))
	})
	return f.engine, f.engineErr
}

// Close tears down the shared browser engine if it was ever started.
func (f *Factory) Close() {
	if f.engine != nil {
		f.engine.Close()
	}
}
