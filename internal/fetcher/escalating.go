// Package fetcher combines the static and rendered fetch paths into one page observer.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/metrics"
	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Escalation reasons reported to metrics.
const (
	reasonZeroCount    = "zero_count"
	reasonClientShell  = "client_shell"
	reasonRawOnly      = "raw_only"
	reasonStaticFailed = "static_failed"
)

// Limiter gates fetch attempts per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Escalating implements monitor.PageObserver. It fetches statically first and
// renders the page once when the static document has no occurrence of the query
// or could not be fetched at all.
type Escalating struct {
	static      monitor.Fetcher
	rendered    monitor.Fetcher
	extractor   monitor.Extractor
	fingerprint monitor.Fingerprinter
	limiter     Limiter
	logger      *zap.Logger
}

// Option customizes an Escalating observer.
type Option func(*Escalating)

// WithRenderer enables the rendered fallback.
func WithRenderer(rendered monitor.Fetcher) Option {
	return func(e *Escalating) {
		e.rendered = rendered
	}
}

// WithLimiter gates every fetch attempt through limiter.
func WithLimiter(limiter Limiter) Option {
	return func(e *Escalating) {
		e.limiter = limiter
	}
}

// NewEscalating builds an observer over the static fetcher.
func NewEscalating(
	static monitor.Fetcher,
	extractor monitor.Extractor,
	fingerprint monitor.Fingerprinter,
	logger *zap.Logger,
	opts ...Option,
) *Escalating {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Escalating{
		static:      static,
		extractor:   extractor,
		fingerprint: fingerprint,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe fetches url and evaluates it for query.
func (e *Escalating) Observe(ctx context.Context, url, query string) (monitor.Observation, error) {
	page, err := e.fetch(ctx, e.static, monitor.StrategyStatic, url)
	if err != nil {
		if e.rendered == nil {
			return monitor.Observation{}, err
		}
		e.logger.Info("static fetch failed, rendering",
			zap.String("url", url),
			zap.Error(err),
		)
		metrics.ObserveEscalation(reasonStaticFailed)
		rendered, renderErr := e.fetch(ctx, e.rendered, monitor.StrategyRendered, url)
		if renderErr != nil {
			return monitor.Observation{}, fmt.Errorf("render after static failure: %w", renderErr)
		}
		return e.evaluate(rendered, query), nil
	}

	obs := e.evaluate(page, query)
	if obs.Extraction.Count > 0 || e.rendered == nil {
		return obs, nil
	}

	reason := escalationReason(page, obs.Extraction)
	e.logger.Debug("query absent from static document, rendering",
		zap.String("url", url),
		zap.String("reason", reason),
		zap.Int("raw_count", obs.Extraction.RawCount),
	)
	metrics.ObserveEscalation(reason)
	rendered, err := e.fetch(ctx, e.rendered, monitor.StrategyRendered, url)
	if err != nil {
		e.logger.Warn("rendered fetch failed, keeping static result",
			zap.String("url", url),
			zap.Error(err),
		)
		return obs, nil
	}
	return e.evaluate(rendered, query), nil
}

// escalationReason labels a zero-count static result. A query found only in
// the raw source (scripts, attributes) usually means hydration data the
// browser will render.
func escalationReason(page monitor.PageContent, ext monitor.Extraction) string {
	switch {
	case ext.RawCount > 0:
		return reasonRawOnly
	case LooksClientRendered(page.Body):
		return reasonClientShell
	default:
		return reasonZeroCount
	}
}

func (e *Escalating) fetch(
	ctx context.Context,
	f monitor.Fetcher,
	strategy monitor.Strategy,
	url string,
) (monitor.PageContent, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, url); err != nil {
			return monitor.PageContent{}, fmt.Errorf("%w: %w", monitor.ErrFetch, err)
		}
	}
	page, err := f.Fetch(ctx, url)
	if err != nil {
		metrics.ObserveFetch(url, string(strategy), "failure", 0, 0)
		return monitor.PageContent{}, err
	}
	metrics.ObserveFetch(url, string(strategy), "success", len(page.Body), page.Duration)
	return page, nil
}

func (e *Escalating) evaluate(page monitor.PageContent, query string) monitor.Observation {
	extraction := e.extractor.Extract(page.Body, query)
	return monitor.Observation{
		Page:        page,
		Extraction:  extraction,
		Fingerprint: e.fingerprint.Fingerprint(extraction.Fragment),
	}
}
