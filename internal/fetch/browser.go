package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// MinContentLength is the minimum extracted text length (in runes) for an
// HTTP fetch to count as successful. Shorter pages are likely rendered by
// JavaScript and are retried in a browser when enabled.
const MinContentLength = 500

// ShouldUseBrowser returns true if the extracted text is too short,
// indicating the page is likely a JavaScript-rendered SPA.
func ShouldUseBrowser(extractedText string) bool {
	return len([]rune(strings.TrimSpace(extractedText))) < MinContentLength
}

// RenderFunc renders url and returns the resulting HTML.
type RenderFunc func(ctx context.Context, url string) (string, error)

var chromeFlags = append(chromedp.DefaultExecAllocatorOptions[:],
	chromedp.Flag("headless", true),
	chromedp.Flag("disable-gpu", true),
	chromedp.Flag("no-sandbox", true),
	chromedp.Flag("disable-dev-shm-usage", true),
)

// settleDelay lets client-side rendering populate the page.
const settleDelay = 2 * time.Second

// ChromeRenderer returns a RenderFunc backed by a fresh headless Chrome per
// page. Chrome or Chromium must be installed.
func ChromeRenderer(timeout time.Duration, logger *slog.Logger) RenderFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, pageURL string) (string, error) {
		logger.Debug("rendering in headless chrome", "url", pageURL)

		alloc, stopAlloc := chromedp.NewExecAllocator(ctx, chromeFlags...)
		defer stopAlloc()
		tab, closeTab := chromedp.NewContext(alloc)
		defer closeTab()
		tab, cancel := context.WithTimeout(tab, timeout)
		defer cancel()

		var html string
		if err := chromedp.Run(tab,
			chromedp.Navigate(pageURL),
			chromedp.WaitReady("body"),
			chromedp.Sleep(settleDelay),
			chromedp.OuterHTML("html", &html),
		); err != nil {
			return "", fmt.Errorf("browser rendering failed: %w", err)
		}

		logger.Debug("rendered page", "url", pageURL, "bytes", len(html))
		return html, nil
	}
}
