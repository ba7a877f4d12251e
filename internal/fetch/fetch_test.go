package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "zh-CN", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>矩阵</h1></body></html>"))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.Headers = map[string]string{"Accept-Language": "zh-CN"}
	page, err := Get(context.Background(), server.URL, opts)
	require.NoError(t, err)
	assert.Equal(t, server.URL, page.URL)
	assert.Contains(t, page.HTML, "<h1>矩阵</h1>")
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "text/html", page.ContentType)
	assert.Empty(t, page.Text)
}

func TestGet_RejectsNonHTTP(t *testing.T) {
	for _, u := range []string{"not-a-valid-url", "file:///etc/passwd", "ftp://example.com/x"} {
		_, err := Get(context.Background(), u, nil)
		var fetchErr *Error
		require.ErrorAs(t, err, &fetchErr, u)
		assert.Equal(t, "invalid URL", fetchErr.Message)
	}
}

func TestGet_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	page, err := Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	require.NotNil(t, page)
	assert.Equal(t, http.StatusNotFound, page.StatusCode)

	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, "fetch "+server.URL+": status 404", err.Error())
}

func TestGet_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 1000)))
	}))
	defer server.Close()

	page, err := Get(context.Background(), server.URL, &Options{MaxBodyBytes: 10})
	require.NoError(t, err)
	assert.Len(t, page.HTML, 10)
}

func TestExtractor_Text(t *testing.T) {
	tests := []struct {
		name    string
		extract Extractor
		html    string
		want    []string
		without []string
	}{
		{
			name:    "main element",
			extract: GenericExtractor(),
			html:    "<html><body><nav>Navigation</nav><main><h1>Eigenvalues</h1>\n<p>Roots of the characteristic polynomial.</p></main><footer>Footer</footer></body></html>",
			want:    []string{"Eigenvalues", "characteristic polynomial"},
			without: []string{"Navigation", "Footer"},
		},
		{
			name:    "body fallback",
			extract: GenericExtractor(),
			html:    "<html><body>\n  <div>Plain page.</div>\n\n</body></html>",
			want:    []string{"Plain page."},
		},
		{
			name:    "wikipedia noise",
			extract: ExtractorFor(DetectSite("https://en.wikipedia.org/wiki/Gradient_descent")),
			html: `<html><body><div id="mw-content-text"><div class="mw-parser-output">
				<h2>History<span class="mw-editsection">[edit]</span></h2>
				<p>Gradient descent was proposed by Cauchy.<sup class="reference">[1]</sup></p>
				<div class="navbox">Optimization algorithms</div>
			</div></div></body></html>`,
			want:    []string{"Gradient descent was proposed by Cauchy."},
			without: []string{"[edit]", "[1]", "Optimization algorithms"},
		},
		{
			name:    "arxiv abstract",
			extract: ExtractorFor(SiteArxiv),
			html:    `<html><body><h1>Attention</h1><blockquote class="abstract">We propose the Transformer.</blockquote></body></html>`,
			want:    []string{"We propose the Transformer."},
			without: []string{"Attention"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := tt.extract.Text(tt.html)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
			for _, w := range tt.without {
				assert.NotContains(t, text, w)
			}
			assert.NotContains(t, text, "\n\n")
		})
	}
}

func TestSqueezeLines(t *testing.T) {
	assert.Equal(t, "a\nb", squeezeLines("  a  \n\n\t\n b"))
	assert.Equal(t, "", squeezeLines(" \n "))
}

func TestDetectSite(t *testing.T) {
	tests := []struct {
		url  string
		want Site
	}{
		{"https://zh.wikipedia.org/wiki/矩阵", SiteWikipedia},
		{"https://pytorch.readthedocs.io/en/latest/", SiteReadTheDocs},
		{"https://github.com/golang/go", SiteGitHub},
		{"https://arxiv.org/abs/1706.03762", SiteArxiv},
		{"https://example.com", SiteUnknown},
		{"://bad", SiteUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectSite(tt.url), tt.url)
	}
}

func TestShouldUseBrowser(t *testing.T) {
	assert.True(t, ShouldUseBrowser("Loading..."))
	assert.True(t, ShouldUseBrowser(strings.Repeat("字", MinContentLength-1)))
	assert.False(t, ShouldUseBrowser(strings.Repeat("a", MinContentLength)))
}

func TestFetcher_CachesPages(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html><body><main>Eigenvalues of a matrix.</main></body></html>"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{})
	now := time.Now()
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		page, err := f.Fetch(context.Background(), server.URL, false)
		require.NoError(t, err)
		assert.Equal(t, "Eigenvalues of a matrix.", page.Text)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * DefaultCacheTTL)
	_, err := f.Fetch(context.Background(), server.URL, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetcher_BrowserFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="app">Loading</div></body></html>`))
	}))
	defer server.Close()

	rendered := "<html><body><main>" + strings.Repeat("Rendered text. ", 50) + "</main></body></html>"
	var renders atomic.Int32
	f := NewFetcher(FetcherConfig{Render: func(ctx context.Context, url string) (string, error) {
		renders.Add(1)
		return rendered, nil
	}})

	page, err := f.Fetch(context.Background(), server.URL+"/a", false)
	require.NoError(t, err)
	assert.False(t, page.Rendered)
	assert.Equal(t, int32(0), renders.Load())

	page, err = f.Fetch(context.Background(), server.URL+"/b", true)
	require.NoError(t, err)
	assert.True(t, page.Rendered)
	assert.Contains(t, page.Text, "Rendered text.")
	assert.Equal(t, int32(1), renders.Load())
}

func TestFetcher_BrowserFailureKeepsHTTPText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><main>short</main></body></html>`))
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{Render: func(ctx context.Context, url string) (string, error) {
		return "", errors.New("chrome not installed")
	}})
	page, err := f.Fetch(context.Background(), server.URL, true)
	require.NoError(t, err)
	assert.False(t, page.Rendered)
	assert.Equal(t, "short", page.Text)
}

func TestFetcher_Excerpts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/one", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<main>First reference about vectors.</main>"))
	})
	mux.HandleFunc("/two", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<main>" + strings.Repeat("长", 50) + "</main>"))
	})
	mux.HandleFunc("/missing", http.NotFound)
	server := httptest.NewServer(mux)
	defer server.Close()

	f := NewFetcher(FetcherConfig{MaxConcurrent: 2})
	text, errs := f.Excerpts(context.Background(), []string{server.URL + "/missing", server.URL + "/one", server.URL + "/two"}, false, 10)

	require.Len(t, errs, 1)
	var fetchErr *Error
	assert.ErrorAs(t, errs[0], &fetchErr)

	assert.True(t, strings.HasPrefix(text, "[1] "+server.URL+"/one\nFirst refe…"), text)
	assert.Contains(t, text, "[2] "+server.URL+"/two\n"+strings.Repeat("长", 10)+"…")
}
