// Package fetch retrieves reference pages for the research stage and reduces
// them to their main text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// DefaultTimeout bounds one page request.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies reference fetches.
	DefaultUserAgent = "Mozilla/5.0 (compatible; TextbookForge/1.0)"
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 4 << 20
)

// Page is one retrieved reference page.
type Page struct {
	URL         string
	HTML        string
	Text        string
	ContentType string
	StatusCode  int
	Rendered    bool
}

// Error describes a failed page retrieval.
type Error struct {
	URL        string
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := "fetch " + e.URL + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func failure(rawURL, message string, cause error) *Error {
	return &Error{URL: rawURL, Message: message, Cause: cause}
}

// Options tunes a single Get.
type Options struct {
	Timeout      time.Duration
	UserAgent    string
	Headers      map[string]string
	MaxBodyBytes int64
	// Client overrides the HTTP client built from Timeout.
	Client *http.Client
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{Timeout: DefaultTimeout, UserAgent: DefaultUserAgent, MaxBodyBytes: DefaultMaxBodyBytes}
}

func (o *Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: o.Timeout}
}

func (o *Options) bodyLimit() int64 {
	if o.MaxBodyBytes > 0 {
		return o.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// Get downloads rawURL. Only http and https are accepted. A non-200 reply
// returns the page together with an *Error carrying the status.
func Get(ctx context.Context, rawURL string, opts *Options) (*Page, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if u, err := url.Parse(rawURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, failure(rawURL, "invalid URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, failure(rawURL, "bad request", err)
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", agent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := opts.client().Do(req)
	if err != nil {
		return nil, failure(rawURL, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.bodyLimit()))
	if err != nil {
		return nil, failure(rawURL, "reading body", err)
	}

	page := &Page{
		URL:         rawURL,
		HTML:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	if resp.StatusCode != http.StatusOK {
		e := failure(rawURL, fmt.Sprintf("status %d", resp.StatusCode), nil)
		e.StatusCode = resp.StatusCode
		return page, e
	}
	return page, nil
}

// boilerplate is removed from every page before extraction.
const boilerplate = "nav, footer, header, script, style, noscript, .ad, .ads, .advertisement, .sidebar, .cookie-banner, .popup"

// Extractor pulls the main text out of a page.
type Extractor struct {
	// Content selectors are tried in order; the first match wins and body
	// is used when none match.
	Content []string
	// Noise selectors are removed on top of the common boilerplate.
	Noise []string
}

// GenericExtractor suits pages from unrecognized sites.
func GenericExtractor() Extractor {
	return Extractor{
		Content: []string{"main", "article", ".content", "#content", ".main-content", "#main-content"},
		Noise:   commonNoise(),
	}
}

// Text returns the main text of html with blank lines dropped.
func (x Extractor) Text(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find(boilerplate).Remove()
	if len(x.Noise) > 0 {
		doc.Find(strings.Join(x.Noise, ", ")).Remove()
	}

	root := doc.Find("body")
	for _, sel := range x.Content {
		if found := doc.Find(sel); found.Length() > 0 {
			root = found.First()
			break
		}
	}
	return squeezeLines(root.Text()), nil
}

func squeezeLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
