// Package colly implements the plain-HTTP extractor on top of the gocolly
// collector. It applies the identity hints selected by the executor and maps
// anti-automation responses to the blocked error class.
package colly

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

// OperationConfig describes how one (source, operation) pair is fetched and
// parsed.
type OperationConfig struct {
	// URLTemplate contains {name} placeholders filled from the request target.
	URLTemplate string
	// Selectors maps result fields to CSS selectors.
	Selectors map[string]string
}

// SourceConfig is the per-source table of supported operations.
type SourceConfig struct {
	Operations map[string]OperationConfig
}

// Config tunes the extractor.
type Config struct {
	Sources        map[string]SourceConfig
	RequestTimeout time.Duration
	UserAgent      string
	MaxBodyBytes   int
}

// Extractor fetches and parses pages for configured sources.
type Extractor struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New constructs an Extractor. The base collector is cloned per request so
// identity hints never leak between attempts.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchgate/1.0"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.MaxBodySize = cfg.MaxBodyBytes
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Extractor{
		cfg:    cfg,
		base:   base,
		logger: logger,
	}
}

// Execute fetches the page for the request and extracts the requested fields.
func (e *Extractor) Execute(ctx context.Context, req fetch.Request, hints fetch.IdentityHints) (fetch.Outcome, error) {
	source, ok := e.cfg.Sources[req.Source]
	if !ok {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeSourceNotSupported, "source %q is not configured", req.Source)
	}
	op, ok := source.Operations[req.Operation]
	if !ok {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeOperationNotSupported, "source %q does not support operation %q", req.Source, req.Operation)
	}
	url, err := ExpandTemplate(op.URLTemplate, req.Target)
	if err != nil {
		return fetch.Outcome{}, err
	}

	page, err := e.visit(ctx, url, hints)
	if err != nil {
		return fetch.Outcome{}, err
	}
	if err := ClassifyResponse(page.statusCode, page.body); err != nil {
		return fetch.Outcome{}, err
	}

	data, err := ExtractFields(page.body, op.Selectors, req.Fields)
	if err != nil {
		return fetch.Outcome{}, fetch.NewError(fetch.CodeInternal, "parsing %s response: %v", req.Source, err)
	}
	return fetch.Outcome{
		Source:    req.Source,
		Operation: req.Operation,
		Data:      data,
		Fields:    req.Fields,
	}, nil
}

type page struct {
	statusCode int
	body       []byte
}

// visit runs one collector pass for the URL with the hinted identity.
func (e *Extractor) visit(ctx context.Context, url string, hints fetch.IdentityHints) (page, error) {
	collector := e.base.Clone()
	if hints.UserAgent != "" {
		collector.UserAgent = hints.UserAgent
	}
	if hints.ProxyURL != "" {
		if err := collector.SetProxy(hints.ProxyURL); err != nil {
			return page{}, fetch.NewError(fetch.CodeInternal, "configuring proxy: %v", err)
		}
	}
	collector.OnRequest(func(r *colly.Request) {
		if hints.Locale != "" {
			r.Headers.Set("Accept-Language", hints.Locale)
		}
	})

	resultCh := make(chan visitResult, 1)
	var once sync.Once
	send := func(res visitResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(visitResult{page: page{
			statusCode: r.StatusCode,
			body:       append([]byte{}, r.Body...),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown collector error")
		}
		// Colly reports non-2xx statuses through OnError; keep the status so
		// blocked responses classify correctly.
		if r != nil && r.StatusCode != 0 {
			send(visitResult{page: page{
				statusCode: r.StatusCode,
				body:       append([]byte{}, r.Body...),
			}})
			return
		}
		send(visitResult{err: err})
	})

	if err := collector.Visit(url); err != nil {
		return page{}, fetch.Classify(err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return page{}, fetch.Classify(err)
		}
		if res.err != nil {
			return page{}, fetch.Classify(res.err)
		}
		return res.page, nil
	default:
		return page{}, fetch.NewError(fetch.CodeNetwork, "fetch produced no response")
	}
}

type visitResult struct {
	page page
	err  error
}

// ExpandTemplate fills {name} placeholders from the target map. Substituted
// values are path-escaped so target data can never splice extra path segments
// or query parameters into the URL.
func ExpandTemplate(template string, target map[string]any) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return "", fetch.NewError(fetch.CodeInternal, "unbalanced placeholder in url template")
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+closing]
		value, ok := target[name]
		if !ok {
			return "", fetch.NewError(fetch.CodeValidation, "target is missing %q", name)
		}
		s, ok := value.(string)
		if !ok {
			return "", fetch.NewError(fetch.CodeValidation, "target %q must be a string", name)
		}
		b.WriteString(url.PathEscape(s))
		rest = rest[open+closing+1:]
	}
}
