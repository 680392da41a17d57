// Package headless implements the extractor for JS-rendered sources using
// headless Chrome via chromedp. Browser processes are shared per proxy URL
// and serve bounded parallel tab rentals; each attempt gets its own tab with
// the hinted identity applied.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	collyx "github.com/fetchgate/fetchgate/internal/extractor/colly"
	"github.com/fetchgate/fetchgate/internal/fetch"
)

// ErrDisabled indicates headless rendering has been disabled via configuration.
var ErrDisabled = errors.New("headless extractor disabled")

// Config tunes the headless extractor. Sources reuses the colly selector
// table layout so both extractors share operation configuration.
type Config struct {
	Sources        map[string]collyx.SourceConfig
	MaxConcurrency int
	RenderTimeout  time.Duration
	UserAgent      string
}

// browser is one running Chrome process and its allocator.
type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Extractor renders pages in headless Chrome before field extraction.
// Chromium only accepts a proxy at process launch, so one browser runs per
// distinct proxy URL ("" = direct); the rotation candidate set is small and
// static, which bounds the process count.
type Extractor struct {
	cfg    Config
	mu     sync.Mutex
	pool   map[string]*browser
	sem    chan struct{}
	logger *zap.Logger
}

// New starts the direct-connection browser. Callers must Close it.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrDisabled
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchgate/1.0"
	}

	e := &Extractor{
		cfg:    cfg,
		pool:   make(map[string]*browser),
		sem:    make(chan struct{}, cfg.MaxConcurrency),
		logger: logger,
	}
	if _, err := e.browserFor(""); err != nil {
		return nil, err
	}
	return e, nil
}

// browserFor returns the browser bound to the proxy URL, launching it on
// first use.
func (e *Extractor) browserFor(proxyURL string) (*browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.pool[proxyURL]; ok {
		return b, nil
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(e.cfg.UserAgent),
	)
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	b := &browser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}
	e.pool[proxyURL] = b
	return b, nil
}

// Close tears down every browser and allocator.
func (e *Extractor) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.pool {
		b.cancel()
		b.allocCancel()
	}
	e.pool = make(map[string]*browser)
	return nil
}

// Execute renders the page for the request and extracts the requested fields.
func (e *Extractor) Execute(ctx context.Context, req fetch.Request, hints fetch.IdentityHints) (fetch.Outcome, error) {
	source, ok := e.cfg.Sources[req.Source]
	if !ok {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeSourceNotSupported, "source %q is not configured", req.Source)
	}
	op, ok := source.Operations[req.Operation]
	if !ok {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeOperationNotSupported, "source %q does not support operation %q", req.Source, req.Operation)
	}
	url, err := collyx.ExpandTemplate(op.URLTemplate, req.Target)
	if err != nil {
		return fetch.Outcome{}, err
	}

	release, err := e.acquireSlot(ctx)
	if err != nil {
		return fetch.Outcome{}, fetch.Classify(err)
	}
	defer release()

	status, html, err := e.render(ctx, url, hints)
	if err != nil {
		return fetch.Outcome{}, fetch.Classify(err)
	}
	if err := collyx.ClassifyResponse(status, []byte(html)); err != nil {
		return fetch.Outcome{}, err
	}

	data, err := collyx.ExtractFields([]byte(html), op.Selectors, req.Fields)
	if err != nil {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeInternal, "parsing rendered %s page: %v", req.Source, err)
	}
	return fetch.Outcome{
		Source:    req.Source,
		Operation: req.Operation,
		Data:      data,
		Fields:    req.Fields,
	}, nil
}

// render opens a fresh tab on the proxy-matched browser, navigates, and
// snapshots the DOM.
func (e *Extractor) render(ctx context.Context, url string, hints fetch.IdentityHints) (int, string, error) {
	b, err := e.browserFor(hints.ProxyURL)
	if err != nil {
		return 0, "", err
	}
	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, e.cfg.RenderTimeout)
	defer cancelTask()
	stop := context.AfterFunc(ctx, cancelTask)
	defer stop()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
		})
	})

	userAgent := e.cfg.UserAgent
	if hints.UserAgent != "" {
		userAgent = hints.UserAgent
	}
	override := emulation.SetUserAgentOverride(userAgent)
	if hints.Locale != "" {
		override = override.WithAcceptLanguage(hints.Locale)
	}
	if hints.Platform != "" {
		override = override.WithPlatform(hints.Platform)
	}

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		override,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return 0, "", fmt.Errorf("chromedp run: %w", err)
	}
	return meta.statusCode, html, nil
}

func (e *Extractor) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

type responseMeta struct {
	once       sync.Once
	statusCode int
}
