package sampler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in order against common site structures; the
// first selector with matches contributes up to ten elements.
var contentSelectors = []string{
	// Articles and main content
	"article p",
	"article h1, article h2, article h3",
	`[role="article"] p`,
	`[role="article"] h1, [role="article"] h2`,

	// Social media posts
	`[data-testid="tweet"] [lang]`,
	`[data-pagelet*="FeedUnit"] [dir="auto"]`,
	".Post p",
	`[class*="caption"]`,

	// News headlines
	".headline",
	".title",
	"h1.story-heading",

	// Generic content
	"main p",
	".content p",
	"#content p",
}

// infiniteScrollHosts flag hosts whose feeds scroll without end.
var infiniteScrollHosts = []string{
	"twitter.com", "x.com",
	"facebook.com",
	"reddit.com",
	"instagram.com",
	"tiktok.com",
	"linkedin.com",
	"pinterest.com",
}

const (
	maxElementsPerSelector = 10
	minTextLength          = 20
	enoughTexts            = 5
	maxSampleLength        = 2000
)

// HasInfiniteScroll reports whether host belongs to a known infinite-scroll
// site.
func HasInfiniteScroll(host string) bool {
	host = strings.ToLower(host)
	for _, site := range infiniteScrollHosts {
		if strings.Contains(host, site) {
			return true
		}
	}
	return false
}

// ExtractText pulls a representative text sample out of a parsed page. Each
// selector contributes trimmed texts longer than twenty characters, stopping
// once five texts are gathered; the joined sample is capped at two thousand
// characters.
func ExtractText(doc *goquery.Document) string {
	var texts []string
	for _, selector := range contentSelectors {
		doc.Find(selector).EachWithBreak(func(i int, el *goquery.Selection) bool {
			if i >= maxElementsPerSelector {
				return false
			}
			text := strings.TrimSpace(el.Text())
			if len(text) > minTextLength {
				texts = append(texts, text)
			}
			return true
		})
		if len(texts) >= enoughTexts {
			break
		}
	}

	joined := strings.Join(texts, " ")
	if len(joined) > maxSampleLength {
		joined = joined[:maxSampleLength]
	}
	return joined
}
