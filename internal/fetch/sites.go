package fetch

import (
	"net/url"
	"strings"
)

// Site is a known kind of reference source.
type Site string

const (
	// SiteWikipedia is any *.wikipedia.org article
	SiteWikipedia Site = "wikipedia"
	// SiteReadTheDocs covers readthedocs and Sphinx hosted documentation
	SiteReadTheDocs Site = "readthedocs"
	// SiteGitHub covers repository READMEs and wiki pages
	SiteGitHub Site = "github"
	// SiteArxiv is an arXiv abstract page
	SiteArxiv Site = "arxiv"
	// SiteUnknown is an unrecognized site
	SiteUnknown Site = "unknown"
)

// DetectSite identifies the reference source from a URL.
func DetectSite(urlStr string) Site {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return SiteUnknown
	}

	host := strings.ToLower(parsed.Hostname())
	switch {
	case host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org"):
		return SiteWikipedia
	case strings.HasSuffix(host, "readthedocs.io") || strings.HasSuffix(host, "readthedocs.org"):
		return SiteReadTheDocs
	case host == "github.com" || host == "www.github.com":
		return SiteGitHub
	case host == "arxiv.org" || strings.HasSuffix(host, ".arxiv.org"):
		return SiteArxiv
	default:
		return SiteUnknown
	}
}

func commonNoise() []string {
	return []string{"form", ".social-share", ".share-buttons", ".cookie-consent", ".gdpr-notice"}
}

// ExtractorFor returns the extraction rules tuned for site.
func ExtractorFor(site Site) Extractor {
	switch site {
	case SiteWikipedia:
		return Extractor{
			Content: []string{"#mw-content-text .mw-parser-output", "#mw-content-text", "#content"},
			Noise:   append(commonNoise(), ".mw-editsection", ".reference", ".reflist", ".navbox", ".infobox", "#toc"),
		}
	case SiteReadTheDocs:
		return Extractor{
			Content: []string{"[role='main']", ".rst-content .document", ".body", "main"},
			Noise:   append(commonNoise(), ".headerlink", ".wy-breadcrumbs", ".rst-footer-buttons"),
		}
	case SiteGitHub:
		return Extractor{
			Content: []string{"article.markdown-body", ".markdown-body", "#readme", "main"},
			Noise:   append(commonNoise(), ".anchor", ".octicon"),
		}
	case SiteArxiv:
		return Extractor{Content: []string{"blockquote.abstract", "#abs", "main"}, Noise: commonNoise()}
	default:
		return GenericExtractor()
	}
}
