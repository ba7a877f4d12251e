package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCacheTTL is how long a fetched reference page is reused.
const DefaultCacheTTL = time.Hour

// DefaultExcerptLength is the rune budget of one reference excerpt.
const DefaultExcerptLength = 1500

// FetcherConfig configures a reference Fetcher.
type FetcherConfig struct {
	Options  *Options
	CacheTTL time.Duration
	// MaxConcurrent bounds parallel fetches in Excerpts. Default: 4.
	MaxConcurrent int
	// Render is used when UseBrowser is set and HTTP text is too short.
	Render RenderFunc
	Logger *slog.Logger
}

type cacheEntry struct {
	page    *Page
	fetched time.Time
}

// Fetcher retrieves reference pages with an in-process cache. Research units
// of one run often share reference URLs; a page is fetched once per TTL.
type Fetcher struct {
	options       *Options
	ttl           time.Duration
	maxConcurrent int
	render        RenderFunc
	logger        *slog.Logger
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Options == nil {
		cfg.Options = DefaultOptions()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		options:       cfg.Options,
		ttl:           cfg.CacheTTL,
		maxConcurrent: cfg.MaxConcurrent,
		render:        cfg.Render,
		logger:        cfg.Logger,
		now:           time.Now,
		cache:         make(map[string]cacheEntry),
	}
}

// Fetch retrieves urlStr and extracts its main text with site-specific
// selectors. When useBrowser is true and the text is too short, the page is
// rendered in a browser and extracted again.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string, useBrowser bool) (*Page, error) {
	if cached, ok := f.cached(urlStr); ok {
		return cached, nil
	}

	page, err := Get(ctx, urlStr, f.options)
	if err != nil {
		return nil, err
	}

	extract := ExtractorFor(DetectSite(urlStr))
	text, err := extract.Text(page.HTML)
	if err != nil {
		return nil, failure(urlStr, "extracting text", err)
	}
	page.Text = text

	if useBrowser && f.render != nil && ShouldUseBrowser(text) {
		if html, err := f.render(ctx, urlStr); err != nil {
			f.logger.Warn("browser rendering failed, keeping HTTP text", "url", urlStr, "error", err)
		} else if rendered, err := extract.Text(html); err == nil && len(rendered) > len(text) {
			page.HTML = html
			page.Text = rendered
			page.Rendered = true
		}
	}

	f.store(urlStr, page)
	return page, nil
}

// Excerpts fetches urls concurrently and joins a numbered excerpt of each
// page's text. Failed fetches are skipped and returned as errors; the order
// of excerpts follows urls.
func (f *Fetcher) Excerpts(ctx context.Context, urls []string, useBrowser bool, maxRunes int) (string, []error) {
	if maxRunes <= 0 {
		maxRunes = DefaultExcerptLength
	}

	texts := make([]string, len(urls))
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConcurrent)
	for i, u := range urls {
		g.Go(func() error {
			page, err := f.Fetch(gctx, strings.TrimSpace(u), useBrowser)
			if err != nil {
				errs[i] = err
				return nil
			}
			texts[i] = truncateRunes(page.Text, maxRunes)
			return nil
		})
	}
	_ = g.Wait()

	var sb strings.Builder
	n := 0
	for i, text := range texts {
		if text == "" {
			continue
		}
		n++
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[%d] %s\n%s", n, urls[i], text))
	}

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return sb.String(), failed
}

func (f *Fetcher) cached(urlStr string) (*Page, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[urlStr]
	if !ok {
		return nil, false
	}
	if f.now().Sub(entry.fetched) > f.ttl {
		delete(f.cache, urlStr)
		return nil, false
	}
	return entry.page, true
}

func (f *Fetcher) store(urlStr string, page *Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[urlStr] = cacheEntry{page: page, fetched: f.now()}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
