package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SSRGlobals are the well-known variables server-rendered apps inject their
// initial state into.
var SSRGlobals = []string{
	"window.__INITIAL_STATE__",
	"window.__PRELOADED_STATE__",
	"window.__NEXT_DATA__",
	"window.__NUXT__",
	"__APOLLO_STATE__",
}

// maxScriptScan bounds the bytes of one script body scanned for JSON.
const maxScriptScan = 2 << 20

func ssrScript(global string) string {
	return fmt.Sprintf("typeof %[1]s !== 'undefined' ? JSON.stringify(%[1]s) : null", global)
}

// ssrName turns a global expression into a short label.
func ssrName(global string) string {
	return strings.Trim(strings.TrimPrefix(global, "window."), "_")
}

// ScriptJSON returns every JSON object or array embedded in the page's
// inline script tags. Scripts typed as JSON are decoded whole; other inline
// scripts are scanned for balanced brace or bracket blocks.
func ScriptJSON(html string) ([][]byte, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	var out [][]byte
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		body := strings.TrimSpace(s.Text())
		if body == "" {
			return
		}
		typ, _ := s.Attr("type")
		if strings.Contains(strings.ToLower(typ), "json") {
			if json.Valid([]byte(body)) {
				out = append(out, []byte(body))
			}
			return
		}
		out = append(out, ScanJSON(body)...)
	})
	return out, nil
}

// ScanJSON finds top-level JSON objects and arrays inside arbitrary text.
// Blocks nested in an accepted block are not reported separately.
func ScanJSON(text string) [][]byte {
	if len(text) > maxScriptScan {
		text = text[:maxScriptScan]
	}
	var out [][]byte
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := matchClose(text, i)
		if end < 0 {
			continue
		}
		candidate := []byte(text[i : end+1])
		if !json.Valid(candidate) || !hasContent(candidate) {
			continue
		}
		out = append(out, candidate)
		i = end
	}
	return out
}

// matchClose returns the index of the bracket closing the one at start,
// skipping over string literals, or -1.
func matchClose(text string, start int) int {
	var stack []byte
	inString := false
	var quote byte
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString, quote = true, c
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func hasContent(b []byte) bool {
	trimmed := bytes.TrimSpace(b[1 : len(b)-1])
	return len(trimmed) > 0
}
