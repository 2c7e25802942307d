package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/browser"
)

const (
	bezierSteps    = 25
	heightRetries  = 5
	minScrollFrac  = 0.7
	maxScrollFrac  = 0.9
	minDelay       = 50 * time.Millisecond
	scrollYJS      = "window.scrollY"
	innerHeightJS  = "window.innerHeight"
	scrollHeightJS = "document.body.scrollHeight"
)

const loadMoreJS = `(() => {
	const labels = %s;
	const nodes = document.querySelectorAll('button, a, [role="button"]');
	for (const el of nodes) {
		if (el.offsetParent === null) continue;
		const text = (el.innerText || '').trim().toLowerCase();
		if (!text || text.length > 40) continue;
		for (const label of labels) {
			if (text === label || text.includes(label)) {
				el.scrollIntoView({block: 'center'});
				el.click();
				return label;
			}
		}
	}
	return '';
})()`

// LoadMoreLabels are the button texts clicked to reveal more content.
var LoadMoreLabels = []string{"load more", "show more", "查看更多", "加载更多", "more", "next"}

var loadMoreSelectors = []string{
	"[class*='load-more']",
	"[class*='loadMore']",
	"[class*='show-more']",
	"[data-testid*='load-more']",
}

// bezierCurve returns steps positions from start to end along a cubic ease
// with control points at a quarter and three quarters of the distance.
func bezierCurve(start, end float64, steps int) []float64 {
	if steps < 1 {
		steps = 1
	}
	dist := end - start
	p1 := start + dist*0.25
	p2 := start + dist*0.75
	out := make([]float64, steps)
	for i := range steps {
		t := float64(i+1) / float64(steps)
		u := 1 - t
		out[i] = u*u*u*start + 3*u*u*t*p1 + 3*u*t*t*p2 + t*t*t*end
	}
	return out
}

func gaussianDelay(mean, stddev float64) time.Duration {
	d := time.Duration((mean + rand.NormFloat64()*stddev) * float64(time.Second))
	return max(d, minDelay)
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func stepDelay(i int) time.Duration {
	if i < bezierSteps/2 {
		return time.Duration(15+rand.IntN(26)) * time.Millisecond
	}
	return time.Duration(20+rand.IntN(41)) * time.Millisecond
}

// humanScroll moves down 70-90% of a viewport along a Bezier curve, then
// waits while the document keeps growing.
func (c *Collector) humanScroll(ctx context.Context, sess browser.Session, fallbackHeight int) {
	var current, viewport float64
	if err := sess.Evaluate(ctx, scrollYJS, &current); err != nil {
		c.logger.Debug("read scroll position", zap.Error(err))
	}
	if err := sess.Evaluate(ctx, innerHeightJS, &viewport); err != nil || viewport <= 0 {
		viewport = float64(fallbackHeight)
	}
	target := current + viewport*uniform(minScrollFrac, maxScrollFrac)

	prev := current
	for i, pos := range bezierCurve(current, target, bezierSteps) {
		dy := int(math.Round(pos - prev))
		prev += float64(dy)
		if dy != 0 {
			if err := sess.ScrollBy(ctx, dy); err != nil {
				c.logger.Debug("scroll step failed", zap.Error(err))
				return
			}
		}
		c.sleep(ctx, stepDelay(i))
		if ctx.Err() != nil {
			return
		}
	}

	var height float64
	if err := sess.Evaluate(ctx, scrollHeightJS, &height); err != nil {
		return
	}
	for range heightRetries {
		c.sleep(ctx, gaussianDelay(0.8, 0.2))
		var next float64
		if err := sess.Evaluate(ctx, scrollHeightJS, &next); err != nil || next <= height {
			return
		}
		c.logger.Debug("page height grew", zap.Float64("from", height), zap.Float64("to", next))
		height = next
	}
}

// clickLoadMore clicks at most one pagination control.
func (c *Collector) clickLoadMore(ctx context.Context, sess browser.Session) bool {
	for _, sel := range loadMoreSelectors {
		clicked, err := sess.Click(ctx, sel)
		if err != nil {
			c.logger.Debug("load-more click failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if clicked {
			c.logger.Info("clicked load-more control", zap.String("selector", sel))
			c.sleep(ctx, gaussianDelay(1.5, 0.5))
			return true
		}
	}
	var label string
	if err := sess.Evaluate(ctx, loadMoreScript(), &label); err != nil {
		c.logger.Debug("load-more scan failed", zap.Error(err))
		return false
	}
	if label == "" {
		return false
	}
	c.logger.Info("clicked load-more control", zap.String("label", label))
	c.sleep(ctx, gaussianDelay(1.5, 0.5))
	return true
}

func loadMoreScript() string {
	labels, _ := json.Marshal(LoadMoreLabels)
	return fmt.Sprintf(loadMoreJS, labels)
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
