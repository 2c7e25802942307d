// Package htmlclean strips rendered pages down to the text and structure an
// extraction prompt needs, and converts the result to Markdown.
package htmlclean

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// dropped elements lose their content as well as their tags.
var dropped = []string{"style", "script", "svg", "path", "noscript", "iframe", "canvas", "head", "title"}

var kept = []string{
	"html", "body", "main", "article", "section", "header", "footer", "nav", "aside",
	"div", "span", "p", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
	"ul", "ol", "li", "dl", "dt", "dd", "table", "thead", "tbody", "tfoot", "tr", "th", "td",
	"a", "img", "strong", "b", "em", "i", "small", "sup", "sub", "code", "pre", "blockquote",
	"figure", "figcaption", "time", "label", "button",
}

var whitespace = regexp.MustCompile(`\s+`)

// Cleaner sanitizes HTML. It is safe for concurrent use.
type Cleaner struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// New builds a Cleaner. Comments, class, id, style and event attributes
// are removed; only href on links and src/alt on images survive.
func New() *Cleaner {
	p := bluemonday.NewPolicy()
	p.AllowElements(kept...)
	p.SkipElementsContent(dropped...)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowAttrs("datetime").OnElements("time")
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https")

	return &Cleaner{
		policy: p,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// HTML returns the sanitized markup with whitespace runs collapsed.
func (c *Cleaner) HTML(raw string) string {
	clean := c.policy.Sanitize(raw)
	return strings.TrimSpace(whitespace.ReplaceAllString(clean, " "))
}

// Markdown sanitizes raw and renders it as Markdown. Relative links are
// resolved against pageURL when it is set.
func (c *Cleaner) Markdown(raw, pageURL string) (string, error) {
	clean := c.HTML(raw)
	var opts []converter.ConvertOptionFunc
	if pageURL != "" {
		opts = append(opts, converter.WithDomain(pageURL))
	}
	out, err := c.md.ConvertString(clean, opts...)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}
