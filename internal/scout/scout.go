// Package scout samples a page's network traffic and returns the responses
// that look like structured data.
package scout

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// PreviewLimit caps the body bytes kept per candidate.
const PreviewLimit = 5000

var dataContentTypes = []string{
	"application/json",
	"application/vnd.api+json",
	"text/json",
	"text/javascript",
	"application/javascript",
}

var sampledResources = map[string]struct{}{
	browser.ResourceXHR:      {},
	browser.ResourceFetch:    {},
	browser.ResourceScript:   {},
	browser.ResourceOther:    {},
	browser.ResourceDocument: {},
}

// Config controls sampling.
type Config struct {
	ScrollRounds      int           `mapstructure:"scroll_rounds"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	JitterMin         time.Duration `mapstructure:"jitter_min"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
	Settle            time.Duration `mapstructure:"settle"`
}

// DefaultConfig mirrors the production timings.
func DefaultConfig() Config {
	return Config{
		ScrollRounds:      2,
		NavigationTimeout: 60 * time.Second,
		JitterMin:         1500 * time.Millisecond,
		JitterMax:         3 * time.Second,
		Settle:            3 * time.Second,
	}
}

// Sampler drives a fresh session over the target page.
type Sampler struct {
	mgr    browser.Manager
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration)
}

// New constructs a Sampler.
func New(mgr browser.Manager, cfg Config, logger *zap.Logger) (*Sampler, error) {
	if mgr == nil {
		return nil, errors.New("browser manager is required")
	}
	if cfg.ScrollRounds < 0 {
		cfg.ScrollRounds = 0
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultConfig().NavigationTimeout
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{mgr: mgr, cfg: cfg, logger: logger.Named("scout"), sleep: sleepCtx}, nil
}

// Sample navigates to target, scrolls scrollRounds times (a negative value
// uses the configured default) and returns deduplicated data candidates.
// Navigation failures degrade to whatever was captured, usually nothing.
func (s *Sampler) Sample(ctx context.Context, target string, scrollRounds int) ([]harvest.Candidate, error) {
	if scrollRounds < 0 {
		scrollRounds = s.cfg.ScrollRounds
	}
	sess, err := s.mgr.NewSession(ctx, browser.RandomProfile(nil))
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	set := newCandidateSet()
	sess.OnResponse(func(r browser.Response) {
		if c, ok := s.capture(ctx, r); ok {
			set.add(c)
		}
	})

	if err := sess.Navigate(ctx, target, browser.WaitNetworkIdle, s.cfg.NavigationTimeout); err != nil {
		s.logger.Warn("navigation failed", zap.String("url", target), zap.Error(err))
		return set.list(), nil
	}
	for i := range scrollRounds {
		if err := sess.ScrollToBottom(ctx); err != nil {
			s.logger.Debug("scroll failed", zap.Int("round", i), zap.Error(err))
		}
		s.sleep(ctx, jitter(s.cfg.JitterMin, s.cfg.JitterMax))
	}
	s.sleep(ctx, s.cfg.Settle)

	out := set.list()
	s.logger.Info("sampling finished", zap.String("url", target), zap.Int("candidates", len(out)))
	return out, nil
}

func (s *Sampler) capture(ctx context.Context, r browser.Response) (harvest.Candidate, bool) {
	if _, ok := sampledResources[r.ResourceType]; !ok {
		return harvest.Candidate{}, false
	}
	ct := strings.ToLower(r.ContentType)
	isText := strings.Contains(ct, "text/plain")
	if !isText && !containsAny(ct, dataContentTypes) {
		return harvest.Candidate{}, false
	}
	body, err := r.Body(ctx)
	if err != nil {
		return harvest.Candidate{}, false
	}
	if isText {
		trimmed := strings.TrimSpace(string(body))
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			return harvest.Candidate{}, false
		}
	}
	preview := string(body)
	if len(preview) > PreviewLimit {
		preview = preview[:PreviewLimit]
	}
	method := r.Method
	if method == "" {
		method = "GET"
	}
	return harvest.Candidate{
		URL:          r.URL,
		Method:       method,
		Headers:      r.RequestHeaders,
		PostData:     r.PostData,
		Preview:      preview,
		ResourceType: r.ResourceType,
	}, true
}

type candidateSet struct {
	mu    sync.Mutex
	order []string
	byKey map[string]harvest.Candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byKey: make(map[string]harvest.Candidate)}
}

func (c *candidateSet) add(cand harvest.Candidate) {
	key := DedupKey(cand)
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.byKey[key]
	if !ok {
		c.order = append(c.order, key)
		c.byKey[key] = cand
		return
	}
	if len(cand.Preview) > len(prev.Preview) {
		c.byKey[key] = cand
	}
}

func (c *candidateSet) list() []harvest.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]harvest.Candidate, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.byKey[key])
	}
	return out
}

// DedupKey identifies a candidate by method, scheme, host and path.
func DedupKey(c harvest.Candidate) string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return strings.ToUpper(c.Method) + ":" + c.URL
	}
	return strings.ToUpper(c.Method) + ":" + u.Scheme + "://" + u.Host + u.Path
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
