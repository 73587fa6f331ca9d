// Package browser runs declarative workflows against a pool of headless
// Chrome contexts. Sources without an API are scraped through it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/metrics"
	"github.com/thoth-app/discovery/internal/ratelimit"
	"github.com/thoth-app/discovery/internal/retry"
)

const stepTimeout = 60 * time.Second

// stepRetry is the adapters' backoff shape with a three-attempt budget.
var stepRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Jitter: 0.2}

// A small whitelist of common desktop viewports; one is drawn per context.
var viewports = [][2]int64{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Record is one raw extracted item; the browser adapter normalizes it into
// a Paper.
type Record map[string]string

// Parameters carries the per-run values injected into a workflow.
type Parameters struct {
	Keywords      []string
	Username      string
	Password      string
	SessionID     string // restore this saved session into the fresh context
	SaveSessionID string // persist the context state under this id afterwards
}

type limiter interface {
	Acquire(ctx context.Context, id string) error
}

// Engine owns the browser context pool. At most maxContexts workflows run
// concurrently; admission goes through the shared browser rate bucket and a
// slot semaphore, and every slot is released on all exit paths.
type Engine struct {
	limiter  limiter
	sessions *SessionStore
	log      *logrus.Entry

	slots chan struct{}

	allocOnce   sync.Once
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewEngine(lim limiter, sessions *SessionStore, maxContexts int, log *logrus.Entry) *Engine {
	if maxContexts < 1 {
		maxContexts = 1
	}
	return &Engine{
		limiter:  lim,
		sessions: sessions,
		log:      log,
		slots:    make(chan struct{}, maxContexts),
	}
}

// allocator lazily starts the shared exec allocator; browser processes are
// only spawned once a browser-kind source actually runs.
func (e *Engine) allocator() context.Context {
	e.allocOnce.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.UserAgent(defaultUserAgent),
		)
		e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return e.allocCtx
}

// Close tears down the shared allocator. Safe to call when no workflow ever
// ran.
func (e *Engine) Close() {
	if e.allocCancel != nil {
		e.allocCancel()
	}
}

// Execute runs one workflow in an isolated context and yields each
// extracted record. A step that still fails after its retry budget
// terminates the workflow with an error; records yielded before that point
// stand.
func (e *Engine) Execute(ctx context.Context, wf *domain.BrowserWorkflow, params Parameters, yield func(Record) error) (err error) {
	if err := wf.Validate(); err != nil {
		return err
	}

	if err := e.limiter.Acquire(ctx, ratelimit.EndpointBrowser); err != nil {
		return err
	}
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.BrowserContexts.Inc()
	defer func() {
		// The slot must be returned even if a step panics.
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
		metrics.BrowserContexts.Dec()
		<-e.slots
	}()

	taskCtx, cancel := chromedp.NewContext(e.allocator())
	defer cancel()

	// Stop the browser context as soon as the run context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	vp := viewports[rand.Intn(len(viewports))]
	if err := chromedp.Run(taskCtx, chromedp.EmulateViewport(vp[0], vp[1])); err != nil {
		return fmt.Errorf("preparing context: %w", err)
	}

	var session *SessionData
	if params.SessionID != "" {
		session, err = e.sessions.Load(params.SessionID)
		if err != nil {
			e.log.WithError(err).Warn("could not load browser session")
		}
		if session != nil {
			if err := restoreCookies(taskCtx, session.Cookies); err != nil {
				e.log.WithError(err).Warn("could not restore session cookies")
			}
		}
	}

	navigated := false
	for i := range wf.Steps {
		step := &wf.Steps[i]
		e.humanDelay(ctx)

		runStep := func() error {
			stepCtx, stepCancel := context.WithTimeout(taskCtx, stepTimeout)
			defer stepCancel()
			return e.runStep(stepCtx, wf, step, params, yield)
		}
		err := stepRetry.Do(ctx, stepRetryable(taskCtx, ctx), runStep)
		if err != nil {
			var ye *yieldError
			if errors.As(err, &ye) {
				// Came out of the consumer, not the browser. Return it
				// bare so the caller's sentinel checks still match.
				return ye.err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("workflow step %d (%s): %w", i, step.Action, err)
		}

		if step.Action == domain.ActionNavigate && !navigated {
			navigated = true
			if session != nil && len(session.LocalStorage) > 0 {
				if err := restoreLocalStorage(taskCtx, session.LocalStorage); err != nil {
					e.log.WithError(err).Warn("could not restore localStorage")
				}
			}
		}
	}

	if params.SaveSessionID != "" {
		if err := e.saveSession(taskCtx, params.SaveSessionID); err != nil {
			e.log.WithError(err).Warn("could not save browser session")
		}
	}
	return nil
}

// yieldError tags an error raised by the record consumer. Re-running the
// step to recover would re-yield its records, so the retry predicate
// treats these as final.
type yieldError struct{ err error }

func (e *yieldError) Error() string { return e.err.Error() }
func (e *yieldError) Unwrap() error { return e.err }

// stepRetryable allows retries only for browser-side failures while both
// the task and the run context are still live.
func stepRetryable(taskCtx, runCtx context.Context) func(error) bool {
	return func(err error) bool {
		var ye *yieldError
		if errors.As(err, &ye) {
			return false
		}
		return taskCtx.Err() == nil && runCtx.Err() == nil
	}
}

// typeText resolves what a TYPE step sends: the run keywords when
// parameterized, the matching secret for a credential selector, plain
// placeholder substitution otherwise.
func typeText(wf *domain.BrowserWorkflow, step *domain.WorkflowStep, params Parameters) string {
	if step.Parameterized {
		return strings.Join(params.Keywords, " ")
	}
	if wf.IsCredentialStep(step) {
		if step.Selector == wf.Credentials.PasswordSelector {
			return params.Password
		}
		return params.Username
	}
	return strings.NewReplacer(
		"{{username}}", params.Username,
		"{{password}}", params.Password,
	).Replace(step.Text)
}

func (e *Engine) runStep(ctx context.Context, wf *domain.BrowserWorkflow, step *domain.WorkflowStep, params Parameters, yield func(Record) error) error {
	switch step.Action {
	case domain.ActionNavigate:
		return chromedp.Run(ctx,
			chromedp.Navigate(step.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	case domain.ActionType:
		return chromedp.Run(ctx,
			chromedp.WaitVisible(step.Selector, chromedp.ByQuery),
			chromedp.SendKeys(step.Selector, typeText(wf, step, params), chromedp.ByQuery),
		)
	case domain.ActionClick:
		return chromedp.Run(ctx,
			chromedp.WaitVisible(step.Selector, chromedp.ByQuery),
			chromedp.Click(step.Selector, chromedp.ByQuery),
		)
	case domain.ActionWait:
		return chromedp.Run(ctx, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))
	case domain.ActionExtract:
		var html string
		if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return err
		}
		records, err := ExtractRecords(html, step.Selector, step.Fields)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := yield(rec); err != nil {
				return &yieldError{err: err}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown workflow action %q", step.Action)
	}
}

// ExtractRecords parses one record per node matching itemSelector; each
// field maps a name to a CSS selector, optionally suffixed with "@attr" to
// read an attribute instead of the text content.
func ExtractRecords(html, itemSelector string, fields map[string]string) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}

	var records []Record
	doc.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
		rec := Record{}
		for name, fieldSel := range fields {
			sel, attr := fieldSel, ""
			if idx := strings.LastIndex(fieldSel, "@"); idx > 0 {
				sel, attr = fieldSel[:idx], fieldSel[idx+1:]
			}
			node := item.Find(sel).First()
			if attr != "" {
				rec[name], _ = node.Attr(attr)
			} else {
				rec[name] = strings.TrimSpace(node.Text())
			}
		}
		records = append(records, rec)
	})
	return records, nil
}

// humanDelay pauses 0.5–3s between actions so interaction timing does not
// look scripted.
func (e *Engine) humanDelay(ctx context.Context) {
	d := 500*time.Millisecond + time.Duration(rand.Int63n(int64(2500*time.Millisecond)))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func restoreCookies(ctx context.Context, cookies []SessionCookie) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure).
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func restoreLocalStorage(ctx context.Context, items map[string]string) error {
	var sb strings.Builder
	sb.WriteString("(() => {")
	for k, v := range items {
		fmt.Fprintf(&sb, "localStorage.setItem(%q, %q);", k, v)
	}
	sb.WriteString("})()")
	return chromedp.Run(ctx, chromedp.Evaluate(sb.String(), nil))
}

func (e *Engine) saveSession(ctx context.Context, id string) error {
	data := &SessionData{CreatedAt: time.Now()}

	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cookies {
				data.Cookies = append(data.Cookies, SessionCookie{
					Name:     c.Name,
					Value:    c.Value,
					Domain:   c.Domain,
					Path:     c.Path,
					Expires:  c.Expires,
					HTTPOnly: c.HTTPOnly,
					Secure:   c.Secure,
				})
			}
			return nil
		}),
		chromedp.Evaluate(`Object.fromEntries(Object.entries(localStorage))`, &data.LocalStorage),
	)
	if err != nil {
		return err
	}
	return e.sessions.Save(id, data)
}
