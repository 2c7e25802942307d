package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRecycleThreshold is the response count after which a session is
// replaced.
const DefaultRecycleThreshold = 200

// TrackerConfig controls session recycling.
type TrackerConfig struct {
	// Threshold is the number of responses a session may see before it is
	// recycled. Zero uses DefaultRecycleThreshold.
	Threshold int
	// Guard forces a recycle under memory pressure. Nil disables it.
	Guard MemoryGuard
	// Wait and Timeout are used when re-navigating after a recycle.
	Wait    WaitCondition
	Timeout time.Duration
}

// Tracker wraps a Session and transparently replaces it once it has served
// Threshold responses. Handlers registered through the Tracker survive
// recycling; counters kept by callers are never touched.
type Tracker struct {
	mgr     Manager
	cfg     TrackerConfig
	logger  *zap.Logger
	profile Profile

	mu       sync.Mutex
	session  Session
	gen      int
	count    int
	recycles int
	handlers []ResponseHandler
	url      string
}

// NewTracker opens the first session with profile.
func NewTracker(ctx context.Context, mgr Manager, profile Profile, cfg TrackerConfig, logger *zap.Logger) (*Tracker, error) {
	if mgr == nil {
		return nil, errors.New("browser manager is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRecycleThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Wait == "" {
		cfg.Wait = WaitNetworkIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{mgr: mgr, cfg: cfg, logger: logger, profile: profile}
	if err := t.open(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) open(ctx context.Context) error {
	sess, err := t.mgr.NewSession(ctx, t.profile)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.session = sess
	t.count = 0
	t.mu.Unlock()
	sess.OnResponse(func(r Response) { t.dispatch(gen, r) })
	return nil
}

func (t *Tracker) dispatch(gen int, r Response) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.count++
	handlers := append([]ResponseHandler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(r)
	}
}

// OnResponse registers h on the current and every future session.
func (t *Tracker) OnResponse(h ResponseHandler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// Session returns the live session.
func (t *Tracker) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Navigate loads url on the live session and remembers it for recycling.
func (t *Tracker) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	t.url = url
	sess := t.session
	t.mu.Unlock()
	return sess.Navigate(ctx, url, t.cfg.Wait, t.cfg.Timeout)
}

// Count is the number of responses seen by the live session.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Recycles is the number of completed recycles.
func (t *Tracker) Recycles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recycles
}

// Profile is the fingerprint every session of this tracker uses.
func (t *Tracker) Profile() Profile {
	return t.profile
}

func (t *Tracker) needsRecycle() (bool, string) {
	t.mu.Lock()
	count := t.count
	t.mu.Unlock()
	if count >= t.cfg.Threshold {
		return true, "threshold"
	}
	if t.cfg.Guard != nil && t.cfg.Guard.UnderPressure() {
		return true, "memory"
	}
	return false, ""
}

// MaybeRecycle replaces the session when the threshold or memory guard
// trips: the old session is closed, a new one with the same profile is
// opened, handlers are re-attached and the last URL is re-navigated.
func (t *Tracker) MaybeRecycle(ctx context.Context) (bool, error) {
	need, reason := t.needsRecycle()
	if !need {
		return false, nil
	}
	t.mu.Lock()
	old := t.session
	seen := t.count
	url := t.url
	t.mu.Unlock()

	t.logger.Info("recycling browser session",
		zap.String("reason", reason),
		zap.Int("responses", seen),
		zap.String("url", url),
	)
	if err := old.Close(); err != nil {
		t.logger.Warn("close recycled session", zap.Error(err))
	}
	if err := t.open(ctx); err != nil {
		return false, err
	}
	t.mu.Lock()
	t.recycles++
	t.mu.Unlock()
	if url != "" {
		if err := t.Session().Navigate(ctx, url, t.cfg.Wait, t.cfg.Timeout); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Close closes the live session.
func (t *Tracker) Close() error {
	t.mu.Lock()
	sess := t.session
	t.session = nil
	t.gen++
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
