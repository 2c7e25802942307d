package pagecrawl

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvest-engine/internal/metrics"
)

// hostLimiter keeps one token bucket per host.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

// Wait blocks until host may be fetched again.
func (l *hostLimiter) Wait(ctx context.Context, host string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// hostPolicy combines the configured blocklist with hosts that kept
// refusing requests.
type hostPolicy struct {
	exact     map[string]struct{}
	suffixes  []string
	threshold int

	mu        sync.Mutex
	forbidden map[string]int
}

func newHostPolicy(patterns []string, threshold int) *hostPolicy {
	p := &hostPolicy{
		exact:     make(map[string]struct{}),
		threshold: threshold,
		forbidden: make(map[string]int),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *hostPolicy) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(p.suffixes, suffix) {
		return
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Blocked reports whether host must not be fetched.
func (p *hostPolicy) Blocked(host string) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold > 0 && p.forbidden[host] >= p.threshold
}

// MarkForbidden counts a refusal from host and reports whether it is now
// blocked.
func (p *hostPolicy) MarkForbidden(host string) bool {
	host = strings.ToLower(host)
	p.mu.Lock()
	p.forbidden[host]++
	n := p.forbidden[host]
	p.mu.Unlock()
	return p.threshold > 0 && n >= p.threshold
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
