package pagecrawl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Page is one fetched document.
type Page struct {
	URL    string
	Status int
	Body   []byte
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// CollyFetcher implements Fetcher with a colly collector. Each fetch runs
// on a clone of the base collector.
type CollyFetcher struct {
	base    *colly.Collector
	timeout time.Duration
}

// NewCollyFetcher builds a fetcher with browser-like request headers.
func NewCollyFetcher(userAgent string, timeout time.Duration) *CollyFetcher {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.UserAgent = userAgent
	c.ParseHTTPErrorResponse = true
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	})
	return &CollyFetcher{base: c, timeout: timeout}
}

// Fetch performs one GET. Non-2xx responses are returned with their status
// rather than as errors.
func (f *CollyFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	collector := f.base.Clone()
	collector.SetRequestTimeout(f.timeout)

	var (
		page     Page
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		r.Headers.Set("Upgrade-Insecure-Requests", "1")
	})
	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:    r.Request.URL.String(),
			Status: r.StatusCode,
			Body:   append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			page = Page{URL: r.Request.URL.String(), Status: r.StatusCode, Body: append([]byte(nil), r.Body...)}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if err != nil && page.Status == 0 {
			return Page{}, fmt.Errorf("visit %s: %w", url, err)
		}
		return page, nil
	}
}
