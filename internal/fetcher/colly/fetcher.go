// Package collyfetcher implements the static fetch path using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 5 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements monitor.Fetcher with a plain HTTP GET through Colly.
type Fetcher struct {
	cfg      Config
	secure   http.RoundTripper
	insecure http.RoundTripper
	logger   *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:      cfg,
		secure:   newHTTPTransport(false),
		insecure: newHTTPTransport(true),
		logger:   logger,
	}
}

// Fetch issues a GET. A certificate verification failure is retried once without verification.
func (f *Fetcher) Fetch(ctx context.Context, url string) (monitor.PageContent, error) {
	page, err := f.fetchOnce(ctx, url, false)
	if err == nil {
		return page, nil
	}
	if !isCertificateError(err) {
		return monitor.PageContent{}, err
	}
	f.logger.Warn("tls verification failed, retrying without verification",
		zap.String("url", url),
		zap.Error(err),
	)
	return f.fetchOnce(ctx, url, true)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, insecure bool) (monitor.PageContent, error) {
	var (
		result   monitor.PageContent
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(insecure)
	f.configureCollectorHooks(collector, start, insecure, &result, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return monitor.PageContent{}, err
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return monitor.PageContent{}, fmt.Errorf("%w: unexpected status %d for %s", monitor.ErrFetch, result.StatusCode, url)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(insecure bool) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = f.cfg.MaxBodyBytes
	c.SetRequestTimeout(f.cfg.Timeout)
	if insecure {
		c.WithTransport(f.insecure)
	} else {
		c.WithTransport(f.secure)
	}
	return c
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	insecure bool,
	result *monitor.PageContent,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = monitor.PageContent{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Strategy:   monitor.StrategyStatic,
			Insecure:   insecure,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: colly fetch canceled: %w", monitor.ErrFetch, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: colly visit: %w", monitor.ErrFetch, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("%w: colly response: %w", monitor.ErrFetch, *fetchErr)
		}
		return nil
	}
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verification):
		return true
	}
	// Some transports flatten the chain into a string.
	msg := err.Error()
	return strings.Contains(msg, "x509: ") || strings.Contains(msg, "tls: failed to verify certificate")
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		// #nosec G402 -- used only as the single retry after a verification failure.
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}
