// Package pagecrawl runs the multi-page crawl: fetch a listing, follow
// pagination, clean each page and let the AI collaborator extract the
// requested columns into the shared CSV and SQL exports.
package pagecrawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvest-engine/internal/export"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/htmlclean"
	"github.com/JakeFAU/harvest-engine/internal/llm"
	"github.com/JakeFAU/harvest-engine/internal/metrics"
)

// Metadata columns written ahead of the requested ones.
const (
	ColumnPageIndex = "page_index"
	ColumnURL       = "url"
	ColumnStatus    = "status"
)

const extractSystem = "You are a precise data extractor that outputs only JSON."

const extractPrompt = `You are a data extraction expert. Extract structured data from the page content below.

Target site: %s
Columns to extract: %s

Guidelines:
1. Look for the most prominent data matching the columns.
2. For title or name, prefer headings or descriptive link text.
3. For price, look for currency symbols or numbers near price keywords.
4. On a listing page, extract the details of the FIRST item.
5. Return null for any column not present on this page.
6. Use the metadata for url or page_index when they are requested.

Return ONLY a JSON object shaped like {"column": value, ...}.

Metadata:
Page index: %d, URL: %s, Status: %d

Content:
%s`

// Request describes one crawl.
type Request struct {
	TaskID      string
	URL         string
	Table       string
	Columns     []string
	MaxPages    int
	Concurrency int
}

// Result summarizes a finished crawl.
type Result struct {
	Pages  int
	Rows   int
	Failed int
}

// ProgressFunc is called after each processed page, one call at a time.
type ProgressFunc func(done, total int)

// Crawler drives multi-page crawls.
type Crawler struct {
	fetcher Fetcher
	llm     llm.Completer
	exports *export.Writer
	cleaner *htmlclean.Cleaner
	limiter *hostLimiter
	hosts   *hostPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Crawler.
func New(fetcher Fetcher, completer llm.Completer, exports *export.Writer, cfg Config, logger *zap.Logger) (*Crawler, error) {
	if fetcher == nil || completer == nil || exports == nil {
		return nil, errors.New("crawler requires a fetcher, completer and export writer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	return &Crawler{
		fetcher: fetcher,
		llm:     completer,
		exports: exports,
		cleaner: htmlclean.New(),
		limiter: newHostLimiter(cfg.RequestsPerSecond, cfg.Burst),
		hosts:   newHostPolicy(cfg.Blocklist, cfg.ForbiddenThreshold),
		cfg:     cfg,
		logger:  logger.Named("pagecrawl"),
	}, nil
}

// Crawl visits up to MaxPages pages starting at URL. When the URL carries
// a page number every page URL is known up front and pages run in
// parallel; otherwise each page is fetched to discover the next one.
func (c *Crawler) Crawl(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, errors.New("crawl url is required")
	}
	req.Columns = trimColumns(req.Columns)
	if len(req.Columns) == 0 {
		return Result{}, errors.New("at least one column is required")
	}
	if req.MaxPages <= 0 {
		req.MaxPages = c.cfg.MaxPages
	}
	if req.Concurrency <= 0 {
		req.Concurrency = c.cfg.Concurrency
	}
	if req.Table == "" {
		req.Table = "crawl_results"
	}
	run := &crawlRun{Crawler: c, req: req, columns: outputColumns(req.Columns), progress: progress}

	urls := PlanURLs(req.URL, req.MaxPages)
	if len(urls) > 1 {
		c.logger.Info("crawling known page urls", zap.String("task_id", req.TaskID), zap.Int("pages", len(urls)))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(req.Concurrency)
		for i, u := range urls {
			g.Go(func() error {
				run.page(gctx, i+1, u)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return run.result(), fmt.Errorf("crawl %s: %w", req.URL, err)
		}
		return run.result(), nil
	}

	c.logger.Info("crawling by discovery", zap.String("task_id", req.TaskID), zap.Int("max_pages", req.MaxPages))
	current := req.URL
	seen := map[string]struct{}{}
	for i := range req.MaxPages {
		if err := ctx.Err(); err != nil {
			return run.result(), fmt.Errorf("crawl %s: %w", req.URL, err)
		}
		seen[current] = struct{}{}
		next := run.page(ctx, i+1, current)
		if next == "" {
			break
		}
		if _, dup := seen[next]; dup {
			break
		}
		current = next
	}
	return run.result(), nil
}

// PlanURLs expands a numbered page URL into up to maxPages URLs. A URL
// without a page number yields just itself.
func PlanURLs(start string, maxPages int) []string {
	urls := []string{start}
	current := start
	for len(urls) < maxPages {
		next, ok := NextByPattern(current)
		if !ok || next == current {
			break
		}
		urls = append(urls, next)
		current = next
	}
	return urls
}

func trimColumns(requested []string) []string {
	var out []string
	for _, col := range requested {
		col = strings.TrimSpace(col)
		if col != "" && !slices.Contains(out, col) {
			out = append(out, col)
		}
	}
	return out
}

func outputColumns(requested []string) []string {
	cols := []string{ColumnPageIndex, ColumnURL, ColumnStatus}
	for _, col := range requested {
		if !slices.Contains(cols, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

type crawlRun struct {
	*Crawler
	req      Request
	columns  []string
	progress ProgressFunc

	mu     sync.Mutex
	done   int
	rows   int
	failed int
}

// page processes one page and returns the next page URL, if any.
func (r *crawlRun) page(ctx context.Context, index int, pageURL string) string {
	logger := r.logger.With(zap.String("task_id", r.req.TaskID), zap.Int("page", index), zap.String("url", pageURL))
	ok := false
	defer func() { r.finish(ok) }()

	host := hostOf(pageURL)
	if r.hosts.Blocked(host) {
		logger.Warn("host blocked, skipping page")
		return ""
	}
	if err := r.limiter.Wait(ctx, host); err != nil {
		return ""
	}
	page, err := r.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		r.writeRow(logger, index, pageURL, 0, nil)
		return ""
	}
	metrics.ObserveCrawlPage(pageURL, page.Status, len(page.Body))
	switch page.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		if r.hosts.MarkForbidden(host) {
			logger.Warn("host refused repeatedly, blocking", zap.Int("status", page.Status))
		}
	}
	html := string(page.Body)
	next := NextPage(pageURL, html)

	extracted, err := r.extract(ctx, index, pageURL, page.Status, html)
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
	}
	ok = err == nil && page.Status < http.StatusBadRequest
	r.writeRow(logger, index, pageURL, page.Status, extracted)
	return next
}

func (r *crawlRun) extract(ctx context.Context, index int, pageURL string, status int, html string) (map[string]any, error) {
	content, err := r.cleaner.Markdown(html, pageURL)
	if err != nil {
		content = r.cleaner.HTML(html)
	}
	if len(content) > r.cfg.MaxPromptChars {
		content = content[:r.cfg.MaxPromptChars]
	}
	prompt := fmt.Sprintf(extractPrompt, pageURL, strings.Join(r.req.Columns, ", "), index, pageURL, status, content)
	raw, err := r.llm.Complete(ctx, llm.Request{System: extractSystem, User: prompt, JSON: true})
	if err != nil {
		return nil, fmt.Errorf("extract page %d: %w", index, err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("extract page %d: reply is not a JSON object: %w", index, err)
	}
	return out, nil
}

// writeRow appends the page to the CSV export and, when anything was
// extracted, to the SQL export.
func (r *crawlRun) writeRow(logger *zap.Logger, index int, pageURL string, status int, extracted map[string]any) {
	row := harvest.Row{ColumnPageIndex: index, ColumnURL: pageURL, ColumnStatus: status}
	values := 0
	for _, col := range r.req.Columns {
		v := nullable(extracted[col])
		if _, meta := row[col]; meta && v == nil {
			continue
		}
		row[col] = v
		if v != nil {
			values++
		}
	}
	if err := r.exports.AppendCSV(r.req.TaskID, r.columns, []harvest.Row{row}); err != nil {
		logger.Error("append csv export failed", zap.Error(err))
	}
	if values == 0 {
		return
	}
	if err := r.exports.AppendSQL(r.req.TaskID, r.req.Table, r.req.Columns, []harvest.Row{row}); err != nil {
		logger.Error("append sql export failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.rows++
	r.mu.Unlock()
}

func (r *crawlRun) finish(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	if !ok {
		r.failed++
	}
	if r.progress != nil {
		r.progress(r.done, r.req.MaxPages)
	}
}

func (r *crawlRun) result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{Pages: r.done, Rows: r.rows, Failed: r.failed}
}

// nullable maps the collaborator's spellings of "no value" to nil.
func nullable(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "none", "null":
			return nil
		}
		return x
	default:
		return v
	}
}
