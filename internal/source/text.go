package source

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// textExtractor turns fetched pages into readable text.
type textExtractor struct {
	md *converter.Converter
}

func newTextExtractor() *textExtractor {
	return &textExtractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// PageText converts HTML to markdown, falling back to a plain text walk when
// conversion fails or yields nothing. Non-HTML UTF-8 bodies are used as-is.
func (t *textExtractor) PageText(resp pipeline.FetchResponse, pageURL string) string {
	if !isHTML(resp) {
		if utf8.Valid(resp.Body) {
			return string(resp.Body)
		}
		return ""
	}
	fallback := plainText(resp.Body)
	result, err := t.md.ConvertString(string(resp.Body), converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return strings.TrimSpace(result)
}

func isHTML(resp pipeline.FetchResponse) bool {
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	return strings.Contains(strings.ToLower(contentType), "html")
}

// plainText collects visible text nodes, skipping script and style.
func plainText(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Noscript) {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(parts, " ")
}

// extractLinks returns href targets in document order, resolved against base.
// Used when the page fetcher does not report links itself.
func extractLinks(body []byte, base string) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					if abs := resolve(base, attr.Val); abs != "" {
						links = append(links, abs)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}
