package sampler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parsing document: %v", err)
	}
	return doc
}

func TestExtractTextPrefersArticleContent(t *testing.T) {
	doc := parseDoc(t, `<html><body>
		<nav><p>home about contact and other navigation text</p></nav>
		<article>
			<p>The first paragraph of the story with enough length to count.</p>
			<p>short</p>
			<p>A second paragraph, also long enough to clear the length floor.</p>
		</article>
	</body></html>`)

	got := ExtractText(doc)
	if !strings.Contains(got, "first paragraph of the story") {
		t.Errorf("sample missing article text: %q", got)
	}
	if strings.Contains(got, "short") {
		t.Errorf("sample includes sub-minimum text: %q", got)
	}
	if strings.Contains(got, "navigation text") {
		t.Errorf("nav text leaked into the sample before article selectors ran dry: %q", got)
	}
}

func TestExtractTextStopsAfterEnoughTexts(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body><article>")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "<p>Paragraph number %d padded out to pass the minimum length.</p>", i)
	}
	b.WriteString("</article><main><p>Trailing main text that should never be reached at all.</p></main></body></html>")

	got := ExtractText(parseDoc(t, b.String()))
	if strings.Contains(got, "Trailing main text") {
		t.Errorf("later selectors ran after enough texts were gathered: %q", got)
	}
	// Five texts suffice; the remaining article paragraphs still join in
	// because the cutoff is per selector, not per text.
	if !strings.Contains(got, "Paragraph number 7") {
		t.Errorf("selector did not drain its matches: %q", got)
	}
}

func TestExtractTextLimitsElementsPerSelector(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 15; i++ {
		fmt.Fprintf(&b, `<div class="headline">Headline number %d stretched past the minimum length.</div>`, i)
	}
	b.WriteString("</body></html>")

	got := ExtractText(parseDoc(t, b.String()))
	if !strings.Contains(got, "Headline number 9") {
		t.Errorf("tenth element missing: %q", got)
	}
	if strings.Contains(got, "Headline number 10") {
		t.Errorf("selector contributed more than ten elements: %q", got)
	}
}

func TestExtractTextCapsSampleLength(t *testing.T) {
	long := strings.Repeat("word ", 200)
	doc := parseDoc(t, fmt.Sprintf(`<html><body><article><p>%s</p><p>%s</p><p>%s</p></article></body></html>`, long, long, long))

	if got := ExtractText(doc); len(got) > 2000 {
		t.Fatalf("sample length = %d, want at most 2000", len(got))
	}
}

func TestExtractTextEmptyPage(t *testing.T) {
	if got := ExtractText(parseDoc(t, "<html><body><nav>x</nav></body></html>")); got != "" {
		t.Fatalf("sample for contentless page = %q, want empty", got)
	}
}

func TestHasInfiniteScroll(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"twitter.com", true},
		{"www.reddit.com", true},
		{"X.com", true},
		{"news.example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := HasInfiniteScroll(tt.host); got != tt.want {
			t.Errorf("HasInfiniteScroll(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
