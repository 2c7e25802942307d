package pagecrawl

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var pagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]page=(\d+)`),
	regexp.MustCompile(`/page/(\d+)`),
}

// NextKeywords are matched against lowercased anchor text.
var NextKeywords = []string{"next", "下一页", ">", "more"}

// NextByPattern increments the first page number found in the URL. It
// reports false when the URL carries no page parameter.
func NextByPattern(rawURL string) (string, bool) {
	for _, re := range pagePatterns {
		m := re.FindStringSubmatchIndex(rawURL)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(rawURL[m[2]:m[3]])
		if err != nil {
			continue
		}
		return rawURL[:m[2]] + strconv.Itoa(n+1) + rawURL[m[3]:], true
	}
	return "", false
}

// NextPage returns the URL of the page after current. URL patterns win;
// otherwise the first anchor whose text mentions a NextKeywords entry is
// resolved against current. Empty means no next page was found.
func NextPage(current, html string) string {
	if next, ok := NextByPattern(current); ok {
		return next
	}
	if strings.TrimSpace(html) == "" {
		return ""
	}
	base, err := url.Parse(current)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var next string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		if !containsAny(text, NextKeywords) {
			return true
		}
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		next = base.ResolveReference(ref).String()
		return false
	})
	return next
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
