package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the Chrome process.
type Config struct {
	// Headless runs Chrome without a window.
	Headless bool `mapstructure:"headless"`
	// ExecPath overrides the Chrome binary; empty uses chromedp discovery.
	ExecPath string `mapstructure:"exec_path"`
	// MaxSessions bounds concurrently open sessions; 0 is unbounded.
	MaxSessions int `mapstructure:"max_sessions"`
}

// Chrome is the Manager backed by one shared chromedp browser. Start it once
// at process start and Stop it at shutdown. Sessions requested while it is
// not started get a private browser that closes with them.
type Chrome struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// NewChrome constructs an unstarted manager.
func NewChrome(cfg Config, logger *zap.Logger) (*Chrome, error) {
	if cfg.MaxSessions < 0 {
		return nil, errors.New("max sessions must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxSessions > 0 {
		limiter = make(chan struct{}, cfg.MaxSessions)
	}
	return &Chrome{cfg: cfg, logger: logger.Named("browser"), limiter: limiter}, nil
}

func (c *Chrome) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	return opts
}

// Start launches the shared browser. Calling Start twice is a no-op.
func (c *Chrome) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		return nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), c.allocatorOptions()...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}
	c.allocCtx, c.allocCancel = allocCtx, allocCancel
	c.browserCtx, c.browserStop = browserCtx, browserStop
	c.logger.Info("browser started", zap.Bool("headless", c.cfg.Headless))
	return nil
}

// Stop closes the shared browser.
func (c *Chrome) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx == nil {
		return
	}
	c.browserStop()
	c.allocCancel()
	c.browserCtx, c.browserStop = nil, nil
	c.allocCtx, c.allocCancel = nil, nil
	c.logger.Info("browser stopped")
}

// Started reports whether the shared browser is running.
func (c *Chrome) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserCtx != nil
}

// NewSession opens a tab in a fresh browser context configured for profile.
func (c *Chrome) NewSession(ctx context.Context, profile Profile) (Session, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	profile = profile.withDefaults()

	c.mu.Lock()
	parent := c.browserCtx
	c.mu.Unlock()

	var (
		tabCtx  context.Context
		cancels []context.CancelFunc
	)
	if parent != nil {
		var cancel context.CancelFunc
		tabCtx, cancel = chromedp.NewContext(parent, chromedp.WithNewBrowserContext())
		cancels = append(cancels, cancel)
	} else {
		c.logger.Warn("browser not started; launching private instance")
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), c.allocatorOptions()...)
		var cancel context.CancelFunc
		tabCtx, cancel = chromedp.NewContext(allocCtx)
		cancels = append(cancels, cancel, allocCancel)
	}

	sess := newChromeSession(tabCtx, profile, c.logger, func() {
		for _, cancel := range cancels {
			cancel()
		}
		c.release()
	})
	if err := sess.setup(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Chrome) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser session slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chrome) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

const setupTimeout = 30 * time.Second
