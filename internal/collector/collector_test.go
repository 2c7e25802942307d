package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/browser/browsertest"
	"github.com/JakeFAU/harvest-engine/internal/contentstore"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/hash/sha256"
	"github.com/JakeFAU/harvest-engine/internal/storage/memory"
)

const target = "https://shop.example/catalog"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	collector *Collector
	index     *memory.ContentIndex
	blobs     *memory.BlobStore
	dir       string
}

func newFixture(t *testing.T, mgr browser.Manager) fixture {
	t.Helper()
	clock := fixedClock{time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	index := memory.NewContentIndex()
	blobs := memory.NewBlobStore()
	store, err := contentstore.New(index, blobs, sha256.New(), clock, contentstore.Config{}, nil)
	require.NoError(t, err)
	c, err := New(mgr, store, nil, nil, clock, nil)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) {}
	return fixture{collector: c, index: index, blobs: blobs, dir: t.TempDir()}
}

func products(prefix string, n int) string {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"id":          fmt.Sprintf("%s-%d", prefix, i),
			"title":       fmt.Sprintf("Stainless steel water bottle, model %s-%d", prefix, i),
			"price":       19.99 + float64(i),
			"currency":    "USD",
			"in_stock":    true,
			"description": "Double-wall insulated bottle.",
		}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func document(body string) browser.Response {
	return browsertest.Resp(target, browser.ResourceDocument, "text/html; charset=utf-8", body)
}

func TestHarvestArrayAndDocument(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			HTML: "<html><body><h1>Catalog</h1></body></html>",
			NavResponses: []browser.Response{
				document("<html><body><h1>Catalog</h1></body></html>"),
				browsertest.JSON("https://shop.example/api/products?page=1", products("p", 10)),
				browsertest.Resp("https://shop.example/logo.png", browser.ResourceImage, "image/png", "\x89PNG"),
				browsertest.Resp("https://shop.example/site.css", browser.ResourceStylesheet, "text/css", "{}"),
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.ItemCount, 11)
	require.Equal(t, 11, res.ItemCount)
	require.Equal(t, 5, res.Scrolls)
	require.Empty(t, res.Diagnostic)
	require.Equal(t, 2, f.blobs.Len())
	require.Len(t, f.index.Entries(), 2)

	raw, err := os.ReadFile(filepath.Join(f.dir, metadataFile))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, target, meta["url"])
	require.Equal(t, float64(11), meta["resource_count"])
	require.Equal(t, collectorMode, meta["mode"])

	_, err = os.Stat(filepath.Join(f.dir, diagnosticFile))
	require.True(t, os.IsNotExist(err))
}

func TestHarvestDocumentStoredOnce(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			NavResponses: []browser.Response{
				document("<html>first</html>"),
				document("<html>second</html>"),
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.ItemCount)
	require.Equal(t, 1, f.blobs.Len())
}

func TestHarvestDocumentNotCounted(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{NavResponses: []browser.Response{document("<html>page</html>")}}
	}}
	f := newFixture(t, mgr)
	cfg := DefaultConfig()
	cfg.CountDocument = false

	res, err := f.collector.Harvest(context.Background(), target, f.dir, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.ItemCount)
	require.Equal(t, 1, f.blobs.Len())
	require.Equal(t, filepath.Join(f.dir, diagnosticFile), res.Diagnostic)
}

func TestHarvestRecyclingKeepsCount(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(n int) *browsertest.Session {
		if n == 0 {
			responses := make([]browser.Response, 0, browser.DefaultRecycleThreshold)
			for i := range browser.DefaultRecycleThreshold - 1 {
				responses = append(responses, browsertest.Resp(
					fmt.Sprintf("https://cdn.example/img/%d.png", i), browser.ResourceImage, "image/png", "png"))
			}
			responses = append(responses, browsertest.JSON("https://shop.example/api/products?page=1", products("a", 3)))
			return &browsertest.Session{NavResponses: responses}
		}
		return &browsertest.Session{
			NavResponses: []browser.Response{
				browsertest.JSON("https://shop.example/api/products?page=2", products("b", 4)),
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Recycles)
	require.Equal(t, 7, res.ItemCount)
	sessions := mgr.Sessions()
	require.Len(t, sessions, 2)
	require.True(t, sessions[0].Closed())
	require.Equal(t, []string{target}, sessions[1].Navigations())
}

func TestHarvestStopsAtItemCap(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			NavResponses: []browser.Response{
				browsertest.JSON("https://shop.example/api/products?page=1", products("p", 10)),
				browsertest.JSON("https://shop.example/api/products?page=2", products("q", 10)),
			},
		}
	}}
	f := newFixture(t, mgr)
	cfg := DefaultConfig()
	cfg.MaxItems = 5

	res, err := f.collector.Harvest(context.Background(), target, f.dir, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 10, res.ItemCount)
	require.Equal(t, 0, res.Scrolls)
	require.Equal(t, 1, f.blobs.Len())
	require.Zero(t, mgr.Sessions()[0].Scrolls())
}

func TestHarvestBlockedKeepsPartialCredit(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			HTML:         "<h1>Please complete the security check</h1>",
			NavResponses: []browser.Response{browsertest.JSON("https://shop.example/api/products", products("p", 3))},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.ErrorIs(t, err, harvest.ErrBlocked)
	require.True(t, res.Blocked)
	require.Equal(t, 3, res.ItemCount)
	require.Zero(t, res.Scrolls)
	_, err = os.Stat(filepath.Join(f.dir, metadataFile))
	require.NoError(t, err)
}

func TestHarvestNavigationFailureIsFatal(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{NavigateErr: fmt.Errorf("%w: %w", harvest.ErrNavigation, browsertest.ErrNavigation)}
	}}
	f := newFixture(t, mgr)

	_, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.ErrorIs(t, err, harvest.ErrNavigation)
}

func TestHarvestDuplicatesNotCounted(t *testing.T) {
	t.Parallel()

	body := products("p", 4)
	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			NavResponses: []browser.Response{
				browsertest.JSON("https://shop.example/api/products?page=1", body),
				browsertest.JSON("https://shop.example/api/products?page=1&retry=1", body),
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 4, res.ItemCount)
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, 1, f.blobs.Len())
}

func TestHarvestRejectsNoise(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			NavResponses: []browser.Response{
				browsertest.JSON("https://shop.example/api/ping", `{"ok":true}`),
				browsertest.JSON("https://www.google-analytics.example/collect", `{"event":"page_view","`+
					strings.Repeat("x", 400)+`":1}`),
				browsertest.Resp("https://shop.example/app.js", browser.ResourceScript, "application/javascript", "(function(){})()"),
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.ItemCount)
	require.Equal(t, 2, res.Rejected)
	require.Zero(t, f.blobs.Len())
	png, err := os.ReadFile(res.Diagnostic)
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG"), png)
}

func TestHarvestExtractsSSRAndScriptJSON(t *testing.T) {
	t.Parallel()

	page := `<html><head>
<script src="/bundle.js"></script>
<script>window.__CONFIG__ = {"results":[{"sku":"A"},{"sku":"B"},{"sku":"C"}]};</script>
<script type="application/ld+json">{"@type":"Product"}</script>
</head><body>Catalog</body></html>`
	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			HTML: page,
			Eval: map[string]any{
				"__NEXT_DATA__": `{"items":[{"id":1},{"id":2}],"total":2}`,
			},
		}
	}}
	f := newFixture(t, mgr)

	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.ItemCount)
	require.Equal(t, 1, res.Rejected)

	urls := make([]string, 0, 2)
	for _, e := range f.index.Entries() {
		urls = append(urls, e.OriginalURL)
	}
	require.ElementsMatch(t, []string{target + "#ssr:NEXT_DATA", target + "#script:0"}, urls)
}

func TestHarvestProgressCallback(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{
			NavResponses: []browser.Response{
				browsertest.JSON("https://shop.example/api/a", products("a", 3)),
				browsertest.JSON("https://shop.example/api/b", products("b", 3)),
				browsertest.JSON("https://shop.example/api/c", products("c", 4)),
			},
		}
	}}
	f := newFixture(t, mgr)

	var (
		mu    sync.Mutex
		calls []int
	)
	res, err := f.collector.Harvest(context.Background(), target, f.dir, DefaultConfig(), func(n int) {
		mu.Lock()
		calls = append(calls, n)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, 10, res.ItemCount)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{6, 10}, calls)
}

func TestHarvestClicksLoadMore(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{ClickResults: map[string]bool{"[class*='load-more']": true}}
	}}
	f := newFixture(t, mgr)
	cfg := DefaultConfig()
	cfg.ScrollCount = 2

	_, err := f.collector.Harvest(context.Background(), target, f.dir, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"[class*='load-more']", "[class*='load-more']"}, mgr.Sessions()[0].Clicks())
	require.Positive(t, mgr.Sessions()[0].Scrolls())
}

func TestWithOverrides(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().WithOverrides(harvest.CollectOptions{MaxItems: 20, WaitUntil: "load"})
	require.Equal(t, 5, cfg.ScrollCount)
	require.Equal(t, 20, cfg.MaxItems)
	require.Equal(t, "load", cfg.WaitUntil)
}

func TestScanJSON(t *testing.T) {
	t.Parallel()

	text := `var a = {"x": "}"}; var b = [1, [2, 3]]; var c = {}; broken = {"y": ;`
	blocks := ScanJSON(text)
	require.Len(t, blocks, 2)
	require.JSONEq(t, `{"x": "}"}`, string(blocks[0]))
	require.JSONEq(t, `[1, [2, 3]]`, string(blocks[1]))
}

func TestBezierCurveEndsAtTarget(t *testing.T) {
	t.Parallel()

	pts := bezierCurve(100, 900, bezierSteps)
	require.Len(t, pts, bezierSteps)
	require.InDelta(t, 900, pts[len(pts)-1], 1e-9)
	for i := 1; i < len(pts); i++ {
		require.Greater(t, pts[i], pts[i-1])
	}
}

func TestSSRName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "NEXT_DATA", ssrName("window.__NEXT_DATA__"))
	require.Equal(t, "APOLLO_STATE", ssrName("__APOLLO_STATE__"))
}

func slowJSON(url, body string, started chan<- struct{}, release <-chan struct{}) browser.Response {
	resp := browsertest.JSON(url, body)
	resp.BodyFunc = func(context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte(body), nil
	}
	return resp
}

func TestSettleWaitsForInFlightHandlers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &browsertest.Manager{})
	r := &run{c: f.collector, url: target, outputDir: f.dir, cfg: DefaultConfig().normalized()}
	handler := r.track(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	go handler(slowJSON("https://shop.example/api/slow", products("s", 4), started, release))
	<-started
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	r.settle(time.Second)
	require.Equal(t, 4, r.total())

	handler(browsertest.JSON("https://shop.example/api/late", products("l", 3)))
	require.Equal(t, 4, r.total())
	require.Equal(t, 1, f.blobs.Len())
}

func TestSettleFreezesCountAfterTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &browsertest.Manager{})
	r := &run{c: f.collector, url: target, outputDir: f.dir, cfg: DefaultConfig().normalized()}
	handler := r.track(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		handler(slowJSON("https://shop.example/api/stuck", products("x", 6), started, release))
	}()
	<-started

	r.settle(10 * time.Millisecond)
	require.Zero(t, r.total())

	close(release)
	<-finished
	require.Zero(t, r.total())
}
