// Package collector implements the strategy-free industrial harvesting
// mode: every plausible JSON payload the page produces is classified for
// quality and written through the deduplicating content store.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/contentstore"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/quality"
)

const (
	metadataFile   = "metadata.json"
	diagnosticFile = "diagnostic.png"
	collectorMode  = "stealth_concurrent"
	progressEvery  = 5
	// settleTimeout bounds how long a finishing harvest waits for response
	// handlers that are still reading bodies or writing blobs.
	settleTimeout = 10 * time.Second
)

// Config controls one industrial harvest.
type Config struct {
	ScrollCount       int           `mapstructure:"scroll_count" json:"scroll_count"`
	MaxItems          int           `mapstructure:"max_items" json:"max_items"`
	WaitUntil         string        `mapstructure:"wait_until" json:"wait_until"`
	RecycleThreshold  int           `mapstructure:"recycle_threshold" json:"recycle_threshold"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" json:"navigation_timeout"`
	// CountDocument makes the main HTML document count as one item when it
	// is newly stored.
	CountDocument bool `mapstructure:"count_document" json:"count_document"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ScrollCount:       5,
		MaxItems:          100,
		WaitUntil:         string(browser.WaitNetworkIdle),
		RecycleThreshold:  browser.DefaultRecycleThreshold,
		NavigationTimeout: 60 * time.Second,
		CountDocument:     true,
	}
}

// WithOverrides applies the non-zero per-task options.
func (c Config) WithOverrides(o harvest.CollectOptions) Config {
	if o.ScrollCount > 0 {
		c.ScrollCount = o.ScrollCount
	}
	if o.MaxItems > 0 {
		c.MaxItems = o.MaxItems
	}
	if o.WaitUntil != "" {
		c.WaitUntil = o.WaitUntil
	}
	return c
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ScrollCount < 0 {
		c.ScrollCount = 0
	}
	if c.MaxItems <= 0 {
		c.MaxItems = def.MaxItems
	}
	c.WaitUntil = string(browser.ParseWaitCondition(c.WaitUntil))
	if c.RecycleThreshold <= 0 {
		c.RecycleThreshold = def.RecycleThreshold
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = def.NavigationTimeout
	}
	return c
}

// Result summarizes one harvest.
type Result struct {
	URL        string
	OutputDir  string
	ItemCount  int
	Scrolls    int
	Recycles   int
	Blocked    bool
	Rejected   int
	Duplicates int
	// Diagnostic is the screenshot path written when nothing was collected.
	Diagnostic string
}

// ProgressFunc receives the running item count every few items.
type ProgressFunc func(count int)

// Collector runs industrial harvests. It is safe for concurrent use; each
// Harvest call owns its own browser sessions and counters.
type Collector struct {
	mgr        browser.Manager
	store      *contentstore.Store
	classifier *quality.Classifier
	guard      browser.MemoryGuard
	clock      harvest.Clock
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration)
}

// New constructs a Collector. A nil classifier uses quality.Default and a
// nil guard disables memory-pressure recycling.
func New(
	mgr browser.Manager,
	store *contentstore.Store,
	classifier *quality.Classifier,
	guard browser.MemoryGuard,
	clock harvest.Clock,
	logger *zap.Logger,
) (*Collector, error) {
	if mgr == nil || store == nil || clock == nil {
		return nil, errors.New("collector requires a browser manager, content store and clock")
	}
	if classifier == nil {
		classifier = quality.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		mgr:        mgr,
		store:      store,
		classifier: classifier,
		guard:      guard,
		clock:      clock,
		logger:     logger.Named("collector"),
		sleep:      sleepCtx,
	}, nil
}

// run holds the mutable state of one Harvest call.
type run struct {
	c         *Collector
	url       string
	outputDir string
	cfg       Config
	progress  ProgressFunc

	mu         sync.Mutex
	count      int
	rejected   int
	duplicates int
	docClaimed bool
	// closed stops new handlers from starting; frozen stops counters from
	// moving once the result is taken.
	closed   bool
	frozen   bool
	inflight sync.WaitGroup
}

// Harvest collects from url into outputDir. A navigation failure is fatal;
// a block page ends the harvest with ErrBlocked and whatever was already
// collected.
func (c *Collector) Harvest(ctx context.Context, url, outputDir string, cfg Config, progress ProgressFunc) (Result, error) {
	if outputDir == "" {
		return Result{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("%w: create output dir: %v", harvest.ErrStorage, err)
	}
	cfg = cfg.normalized()
	r := &run{c: c, url: url, outputDir: outputDir, cfg: cfg, progress: progress}
	res := Result{URL: url, OutputDir: outputDir}

	tracker, err := browser.NewTracker(ctx, c.mgr, browser.RandomProfile(nil), browser.TrackerConfig{
		Threshold: cfg.RecycleThreshold,
		Guard:     c.guard,
		Wait:      browser.WaitCondition(cfg.WaitUntil),
		Timeout:   cfg.NavigationTimeout,
	}, c.logger)
	if err != nil {
		return res, err
	}
	defer func() { _ = tracker.Close() }()
	tracker.OnResponse(r.track(ctx))

	c.logger.Info("industrial harvest starting",
		zap.String("url", url),
		zap.Int("scroll_count", cfg.ScrollCount),
		zap.Int("max_items", cfg.MaxItems),
		zap.String("wait_until", cfg.WaitUntil),
	)
	if err := tracker.Navigate(ctx, url); err != nil {
		return r.result(res, tracker), err
	}
	if err := c.checkBlocked(ctx, tracker.Session()); err != nil {
		res.Blocked = true
		return r.finish(ctx, tracker, res, err)
	}

	for i := range cfg.ScrollCount {
		if r.total() >= cfg.MaxItems {
			c.logger.Info("item cap reached, stopping scroll", zap.Int("max_items", cfg.MaxItems))
			break
		}
		recycled, err := tracker.MaybeRecycle(ctx)
		if err != nil {
			return r.finish(ctx, tracker, res, err)
		}
		if recycled {
			if err := c.checkBlocked(ctx, tracker.Session()); err != nil {
				res.Blocked = true
				return r.finish(ctx, tracker, res, err)
			}
		}
		c.logger.Debug("scroll round", zap.Int("round", i+1), zap.Int("of", cfg.ScrollCount))
		sess := tracker.Session()
		c.humanScroll(ctx, sess, tracker.Profile().Height)
		c.clickLoadMore(ctx, sess)
		c.sleep(ctx, gaussianDelay(1.2, 0.4))
		sess.WaitIdle(ctx, 5*time.Second)
		res.Scrolls++
		if ctx.Err() != nil {
			return r.finish(ctx, tracker, res, ctx.Err())
		}
	}
	tracker.Session().WaitIdle(ctx, 3*time.Second)

	r.extractSSR(ctx, tracker.Session())
	r.extractScripts(ctx, tracker.Session())
	return r.finish(ctx, tracker, res, nil)
}

func (c *Collector) checkBlocked(ctx context.Context, sess browser.Session) error {
	content, err := sess.Content(ctx)
	if err != nil {
		c.logger.Debug("read content for block check", zap.Error(err))
		return nil
	}
	if err := browser.DetectBlock(content); err != nil {
		c.logger.Error("anti-bot block detected, aborting harvest", zap.Error(err))
		return err
	}
	return nil
}

// finish writes the diagnostic screenshot and metadata, then returns the
// result with cause.
func (r *run) finish(ctx context.Context, tracker *browser.Tracker, res Result, cause error) (Result, error) {
	res = r.result(res, tracker)
	if res.ItemCount == 0 {
		if path, err := r.screenshot(ctx, tracker.Session()); err != nil {
			r.c.logger.Warn("diagnostic screenshot failed", zap.Error(err))
		} else {
			res.Diagnostic = path
		}
	}
	if err := r.writeMetadata(res); err != nil {
		r.c.logger.Warn("write metadata failed", zap.Error(err))
	}
	r.c.logger.Info("industrial harvest finished",
		zap.String("url", r.url),
		zap.Int("items", res.ItemCount),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("recycles", res.Recycles),
		zap.Bool("blocked", res.Blocked),
	)
	return res, cause
}

func (r *run) result(res Result, tracker *browser.Tracker) Result {
	r.settle(settleTimeout)
	r.mu.Lock()
	res.ItemCount = r.count
	res.Rejected = r.rejected
	res.Duplicates = r.duplicates
	r.mu.Unlock()
	res.Recycles = tracker.Recycles()
	return res
}

// track wraps handle so settle can wait for it. Responses arriving after
// settle has started are ignored.
func (r *run) track(ctx context.Context) browser.ResponseHandler {
	return func(resp browser.Response) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.inflight.Add(1)
		r.mu.Unlock()
		defer r.inflight.Done()
		r.handle(ctx, resp)
	}
}

// settle stops intake, waits up to timeout for in-flight handlers and then
// freezes the counters. Handlers still running after the timeout may store
// blobs but no longer change the counts.
func (r *run) settle(timeout time.Duration) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.c.logger.Warn("response handlers still running at harvest end", zap.Duration("waited", timeout))
	}

	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *run) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *run) full() bool {
	return r.total() >= r.cfg.MaxItems
}

func (r *run) handle(ctx context.Context, resp browser.Response) {
	if r.full() {
		return
	}
	ct := strings.ToLower(resp.ContentType)
	switch resp.ResourceType {
	case browser.ResourceXHR, browser.ResourceFetch, browser.ResourceScript, browser.ResourceOther:
		body, err := resp.Body(ctx)
		if err != nil || len(body) == 0 {
			return
		}
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			return
		}
		r.storeJSON(ctx, resp.URL, trimmed)
	case browser.ResourceDocument:
		if strings.Contains(ct, "text/html") {
			r.storeDocument(ctx, resp)
		}
	}
}

// storeJSON classifies and stores one payload. Invalid JSON is dropped.
func (r *run) storeJSON(ctx context.Context, url string, data []byte) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return
	}
	in, err := quality.NewInput(url, value)
	if err != nil {
		return
	}
	verdict := r.c.classifier.Classify(in)
	if !verdict.Accepted {
		r.mu.Lock()
		if !r.frozen {
			r.rejected++
		}
		r.mu.Unlock()
		r.c.logger.Debug("payload rejected", zap.String("url", url), zap.String("rule", verdict.Rule))
		return
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		pretty = data
	}
	res, err := r.c.store.Put(ctx, url, pretty, "application/json", r.outputDir)
	if err != nil {
		r.c.logger.Warn("store payload failed", zap.String("url", url), zap.Error(err))
		return
	}
	if !res.IsNew {
		r.mu.Lock()
		if !r.frozen {
			r.duplicates++
		}
		r.mu.Unlock()
		return
	}
	r.c.logger.Info("captured payload", zap.String("url", url), zap.String("rule", verdict.Rule))
	r.add(recordCount(value))
}

func (r *run) storeDocument(ctx context.Context, resp browser.Response) {
	r.mu.Lock()
	if r.docClaimed {
		r.mu.Unlock()
		return
	}
	r.docClaimed = true
	r.mu.Unlock()

	body, err := resp.Body(ctx)
	if err == nil && len(body) == 0 {
		err = browser.ErrNoBody
	}
	if err != nil {
		r.mu.Lock()
		r.docClaimed = false
		r.mu.Unlock()
		return
	}
	res, err := r.c.store.Put(ctx, resp.URL, body, "text/html", r.outputDir)
	if err != nil {
		r.c.logger.Warn("store document failed", zap.String("url", resp.URL), zap.Error(err))
		return
	}
	r.c.logger.Info("saved main document", zap.String("url", resp.URL), zap.Bool("new", res.IsNew))
	if res.IsNew && r.cfg.CountDocument {
		r.add(1)
	}
}

// add bumps the counter and fires the progress callback each time the
// count crosses a multiple of progressEvery.
func (r *run) add(n int) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return
	}
	prev := r.count
	r.count += n
	cur := r.count
	r.mu.Unlock()
	if r.progress != nil && prev/progressEvery != cur/progressEvery {
		r.notify(cur)
	}
}

func (r *run) notify(count int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.c.logger.Error("progress callback panicked", zap.Any("panic", rec))
		}
	}()
	r.progress(count)
}

func (r *run) extractSSR(ctx context.Context, sess browser.Session) {
	for _, global := range SSRGlobals {
		if r.full() {
			return
		}
		var raw string
		if err := sess.Evaluate(ctx, ssrScript(global), &raw); err != nil {
			r.c.logger.Debug("ssr probe failed", zap.String("global", global), zap.Error(err))
			continue
		}
		if raw == "" || raw == "null" {
			continue
		}
		r.c.logger.Info("extracted ssr state", zap.String("global", global))
		r.storeJSON(ctx, r.url+"#ssr:"+ssrName(global), []byte(raw))
	}
}

func (r *run) extractScripts(ctx context.Context, sess browser.Session) {
	html, err := sess.Content(ctx)
	if err != nil {
		r.c.logger.Debug("read content for script scan", zap.Error(err))
		return
	}
	blocks, err := ScriptJSON(html)
	if err != nil {
		r.c.logger.Debug("script scan failed", zap.Error(err))
		return
	}
	for i, block := range blocks {
		if r.full() {
			return
		}
		r.storeJSON(ctx, fmt.Sprintf("%s#script:%d", r.url, i), block)
	}
}

func (r *run) screenshot(ctx context.Context, sess browser.Session) (string, error) {
	png, err := sess.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.outputDir, diagnosticFile)
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	r.c.logger.Info("zero items collected, saved diagnostic screenshot", zap.String("path", path))
	return path, nil
}

type metadata struct {
	URL           string    `json:"url"`
	Config        Config    `json:"config"`
	CollectedAt   time.Time `json:"collected_at"`
	ResourceCount int       `json:"resource_count"`
	Mode          string    `json:"mode"`
	Blocked       bool      `json:"blocked,omitempty"`
}

func (r *run) writeMetadata(res Result) error {
	data, err := json.MarshalIndent(metadata{
		URL:           r.url,
		Config:        r.cfg,
		CollectedAt:   r.c.clock.Now(),
		ResourceCount: res.ItemCount,
		Mode:          collectorMode,
		Blocked:       res.Blocked,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(r.outputDir, metadataFile), data, 0o600)
}

// recordCount is the number of records a payload carries: the length of a
// top-level array, else one.
func recordCount(v any) int {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return len(list)
	}
	return 1
}
