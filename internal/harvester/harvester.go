// Package harvester executes a strategy against the live site and collects
// the matching raw payloads.
package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// Config controls the harvest loop.
type Config struct {
	ScrollRounds      int           `mapstructure:"scroll_rounds"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	RoundSettle       time.Duration `mapstructure:"round_settle"`
	FinalSettle       time.Duration `mapstructure:"final_settle"`
	RecycleThreshold  int           `mapstructure:"recycle_threshold"`
}

// DefaultConfig mirrors the production timings.
func DefaultConfig() Config {
	return Config{
		ScrollRounds:      5,
		NavigationTimeout: 45 * time.Second,
		RoundSettle:       4 * time.Second,
		FinalSettle:       2 * time.Second,
		RecycleThreshold:  browser.DefaultRecycleThreshold,
	}
}

// Harvester collects RawBlocks for one strategy.
type Harvester struct {
	mgr    browser.Manager
	cfg    Config
	guard  browser.MemoryGuard
	clock  harvest.Clock
	logger *zap.Logger
	sleep  func(context.Context, time.Duration)
}

// New constructs a Harvester. guard may be nil.
func New(mgr browser.Manager, cfg Config, guard browser.MemoryGuard, clock harvest.Clock, logger *zap.Logger) (*Harvester, error) {
	if mgr == nil || clock == nil {
		return nil, errors.New("harvester requires a browser manager and clock")
	}
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.ScrollRounds < 0 {
		cfg.ScrollRounds = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		mgr:    mgr,
		cfg:    cfg,
		guard:  guard,
		clock:  clock,
		logger: logger.Named("harvester"),
		sleep:  sleepCtx,
	}, nil
}

// Harvest navigates to target and returns every 2xx response whose URL
// matches the strategy's pattern. An invalid pattern, a navigation failure
// or a block page fails the phase.
func (h *Harvester) Harvest(ctx context.Context, target string, strategy harvest.Strategy) ([]harvest.RawBlock, error) {
	pattern, err := regexp.Compile(strategy.TargetPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: target pattern: %v", harvest.ErrStrategy, err)
	}

	tracker, err := browser.NewTracker(ctx, h.mgr, browser.RandomProfile(nil), browser.TrackerConfig{
		Threshold: h.cfg.RecycleThreshold,
		Guard:     h.guard,
		Wait:      browser.WaitNetworkIdle,
		Timeout:   h.cfg.NavigationTimeout,
	}, h.logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tracker.Close() }()

	var (
		mu     sync.Mutex
		blocks []harvest.RawBlock
	)
	tracker.OnResponse(func(r browser.Response) {
		if !pattern.MatchString(r.URL) {
			return
		}
		if !r.OK() {
			h.logger.Debug("target response not ok", zap.String("url", r.URL), zap.Int("status", r.Status))
			return
		}
		body, err := r.Body(ctx)
		if err != nil {
			h.logger.Warn("read target body", zap.String("url", r.URL), zap.Error(err))
			return
		}
		block := harvest.RawBlock{URL: r.URL, Payload: Decode(body, r.URL, r.ContentType), CapturedAt: h.clock.Now()}
		mu.Lock()
		blocks = append(blocks, block)
		mu.Unlock()
	})

	h.logger.Info("harvest starting", zap.String("url", target), zap.String("pattern", strategy.TargetPattern))
	if err := tracker.Navigate(ctx, target); err != nil {
		return nil, err
	}
	if err := h.checkBlocked(ctx, tracker.Session()); err != nil {
		return nil, err
	}
	for i := range h.cfg.ScrollRounds {
		if err := tracker.Session().ScrollToBottom(ctx); err != nil {
			h.logger.Debug("scroll failed", zap.Int("round", i+1), zap.Error(err))
		}
		h.sleep(ctx, h.cfg.RoundSettle)
		recycled, err := tracker.MaybeRecycle(ctx)
		if err != nil {
			return nil, err
		}
		if recycled {
			if err := h.checkBlocked(ctx, tracker.Session()); err != nil {
				return nil, err
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	h.sleep(ctx, h.cfg.FinalSettle)

	mu.Lock()
	out := append([]harvest.RawBlock(nil), blocks...)
	mu.Unlock()
	h.logger.Info("harvest finished", zap.String("url", target), zap.Int("blocks", len(out)))
	return out, nil
}

func (h *Harvester) checkBlocked(ctx context.Context, sess browser.Session) error {
	content, err := sess.Content(ctx)
	if err != nil {
		h.logger.Debug("read content for block check", zap.Error(err))
		return nil
	}
	return browser.DetectBlock(content)
}

// Decode parses body as JSON unless the content type is textual or parsing
// fails, in which case it returns the {html,url,contentType} wrapper.
func Decode(body []byte, url, contentType string) any {
	ct := strings.ToLower(contentType)
	if !strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return harvest.HTMLWrapper(string(body), url, contentType)
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
