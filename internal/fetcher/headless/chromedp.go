// Package headless contains the rendered fetch path backed by headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

const (
	defaultNavigationTimeout = 25 * time.Second
	defaultSettleTime        = 2 * time.Second
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("headless fetcher closed")

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	SettleTime        time.Duration
}

// Fetcher implements monitor.RenderedFetcher using chromedp. Every Fetch owns
// its own browser process, released before Fetch returns.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}
	closed  atomic.Bool
	// allocate is swapped in tests to avoid launching a browser.
	allocate func(ctx context.Context, opts ...chromedp.ExecAllocatorOption) (context.Context, context.CancelFunc)
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleTime < 0 {
		return nil, fmt.Errorf("settle time must be >= 0")
	}
	if cfg.SettleTime == 0 {
		cfg.SettleTime = defaultSettleTime
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{
		cfg:      cfg,
		limiter:  limiter,
		allocate: chromedp.NewExecAllocator,
	}, nil
}

// Close rejects further fetches. Browser processes never outlive a Fetch call.
func (f *Fetcher) Close() {
	f.closed.Store(true)
}

// Fetch loads url in a fresh browser, waits for the settle time and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, url string) (monitor.PageContent, error) {
	if f.closed.Load() {
		return monitor.PageContent{}, fmt.Errorf("%w: %w", monitor.ErrFetch, ErrClosed)
	}
	if err := f.acquire(ctx); err != nil {
		return monitor.PageContent{}, err
	}
	defer f.release()

	sess := f.openSession(ctx)
	defer sess.close()

	meta := newResponseMeta()
	chromedp.ListenTarget(sess.ctx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(sess.ctx, url)
	if err != nil {
		return monitor.PageContent{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if status < 200 || status > 299 {
		return monitor.PageContent{}, fmt.Errorf("%w: rendered document status %d for %s", monitor.ErrFetch, status, url)
	}
	if headers == nil {
		headers = http.Header{}
	}

	return monitor.PageContent{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Strategy:   monitor.StrategyRendered,
	}, nil
}

// session is one browser process plus its tab, bounded by the navigation timeout.
type session struct {
	ctx     context.Context
	cancels []context.CancelFunc
}

func (f *Fetcher) openSession(parent context.Context) *session {
	allocCtx, allocCancel := f.allocate(parent, f.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	runCtx, runCancel := context.WithTimeout(tabCtx, f.navTimeout())
	return &session{
		ctx: runCtx,
		// Innermost first: the tab closes before the browser process is killed.
		cancels: []context.CancelFunc{runCancel, tabCancel, allocCancel},
	}
}

func (s *session) close() {
	for _, cancel := range s.cancels {
		cancel()
	}
}

func (f *Fetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

func (f *Fetcher) render(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleTime),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("%w: chromedp run: %w", monitor.ErrFetch, err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: headless slot wait canceled: %w", monitor.ErrFetch, ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response counts; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
