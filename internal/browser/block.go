package browser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// Phrases are matched on word boundaries against what a visitor would read,
// so "adblocker" or a script served from a CDN host never trips them.
var blockPhrases = []string{
	"captcha",
	"recaptcha",
	"hcaptcha",
	"verify you are human",
	"verify you're human",
	"checking your browser",
	"just a moment",
	"attention required",
	"access denied",
	"you have been blocked",
	"request blocked",
	"403 forbidden",
	"security check",
}

// CJK markers have no word boundaries and are matched as substrings.
var blockMarkers = []string{
	"请输入验证码",
	"人机验证",
	"滑块验证",
}

var blockPattern = compileBlockPattern(blockPhrases)

func compileBlockPattern(phrases []string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// DetectBlock scans the visible text of rendered page content (the title
// plus the body without scripts and styles) for anti-bot markers and returns
// an error wrapping harvest.ErrBlocked on the first hit.
func DetectBlock(content string) error {
	text := visibleText(content)
	if hit := blockPattern.FindString(text); hit != "" {
		return fmt.Errorf("%w: page contains %q", harvest.ErrBlocked, strings.ToLower(hit))
	}
	for _, marker := range blockMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: page contains %q", harvest.ErrBlocked, marker)
		}
	}
	return nil
}

func visibleText(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return content
	}
	doc.Find("script, style, noscript, template").Remove()
	return doc.Find("title").Text() + "\n" + doc.Find("body").Text()
}
