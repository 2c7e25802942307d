package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const (
	idleQuiet      = 500 * time.Millisecond
	idlePoll       = 100 * time.Millisecond
	defaultTimeout = 30 * time.Second
)

var capturedRequestHeaders = []string{
	"referer",
	"authorization",
	"cookie",
	"accept",
	"user-agent",
	"x-requested-with",
}

type pendingRequest struct {
	method   string
	headers  map[string]string
	postData string
	resource string
	url      string
	status   int
	mime     string
	hasResp  bool
}

type chromeSession struct {
	ctx     context.Context
	profile Profile
	logger  *zap.Logger
	cleanup func()

	mu        sync.Mutex
	handlers  []ResponseHandler
	pending   map[network.RequestID]*pendingRequest
	inflight  int
	lastEvent time.Time
	closed    bool
	closeOnce sync.Once
}

func newChromeSession(ctx context.Context, profile Profile, logger *zap.Logger, cleanup func()) *chromeSession {
	return &chromeSession{
		ctx:       ctx,
		profile:   profile,
		logger:    logger,
		cleanup:   cleanup,
		pending:   make(map[network.RequestID]*pendingRequest),
		lastEvent: time.Now(),
	}
}

// setup allocates the tab and applies the profile. It runs on the session
// context itself since the first Run binds the target's lifetime to it.
func (s *chromeSession) setup(ctx context.Context) error {
	chromedp.ListenTarget(s.ctx, s.onEvent)
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(s.ctx, s.profileAction())
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("configure session: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("configure session: %w", ctx.Err())
	case <-time.After(setupTimeout):
		return fmt.Errorf("configure session: timed out after %s", setupTimeout)
	}
}

func (s *chromeSession) profileAction() chromedp.Action {
	p := s.profile
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(p.Locale + ",en;q=0.9").Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if err := emulation.SetTouchEmulationEnabled(false).Do(ctx); err != nil {
			return fmt.Errorf("disable touch: %w", err)
		}
		if err := emulation.SetLocaleOverride().WithLocale(p.Locale).Do(ctx); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
		if err := emulation.SetTimezoneOverride(p.Timezone).Do(ctx); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(EvasionScript()).Do(ctx); err != nil {
			return fmt.Errorf("inject evasion script: %w", err)
		}
		return nil
	})
}

func (s *chromeSession) Profile() Profile {
	return s.profile
}

func (s *chromeSession) OnResponse(h ResponseHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

func (s *chromeSession) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		req := &pendingRequest{resource: strings.ToLower(string(e.Type))}
		if e.Request != nil {
			req.method = e.Request.Method
			req.url = e.Request.URL
			req.headers = pickHeaders(e.Request.Headers)
			req.postData = postData(e.Request)
		}
		s.mu.Lock()
		if _, seen := s.pending[e.RequestID]; !seen {
			s.inflight++
		}
		s.pending[e.RequestID] = req
		s.lastEvent = time.Now()
		s.mu.Unlock()
	case *network.EventResponseReceived:
		s.mu.Lock()
		if req, ok := s.pending[e.RequestID]; ok && e.Response != nil {
			req.hasResp = true
			req.status = int(e.Response.Status)
			req.mime = e.Response.MimeType
			if ct := headerValue(e.Response.Headers, "content-type"); ct != "" {
				req.mime = ct
			}
			if e.Response.URL != "" {
				req.url = e.Response.URL
			}
			if req.resource == "" {
				req.resource = strings.ToLower(string(e.Type))
			}
		}
		s.lastEvent = time.Now()
		s.mu.Unlock()
	case *network.EventLoadingFinished:
		s.finish(e.RequestID, true)
	case *network.EventLoadingFailed:
		s.finish(e.RequestID, false)
	}
}

func (s *chromeSession) finish(id network.RequestID, ok bool) {
	s.mu.Lock()
	req, tracked := s.pending[id]
	if tracked {
		delete(s.pending, id)
		s.inflight--
	}
	s.lastEvent = time.Now()
	handlers := append([]ResponseHandler(nil), s.handlers...)
	closed := s.closed
	s.mu.Unlock()

	if !tracked || !ok || !req.hasResp || closed || len(handlers) == 0 {
		return
	}
	resp := Response{
		URL:            req.url,
		Method:         req.method,
		Status:         req.status,
		ResourceType:   req.resource,
		ContentType:    req.mime,
		RequestHeaders: req.headers,
		PostData:       req.postData,
		BodyFunc:       s.bodyFunc(id),
	}
	// Listener callbacks must not block the event loop.
	go func() {
		for _, h := range handlers {
			h(resp)
		}
	}()
}

func (s *chromeSession) bodyFunc(id network.RequestID) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		rctx, cancel := s.callContext(ctx, defaultTimeout)
		defer cancel()
		var body []byte
		err := chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoBody, err)
		}
		return body, nil
	}
}

// callContext derives a per-call context from the session that is also
// canceled with the caller's ctx.
func (s *chromeSession) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rctx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error {
	start := time.Now()
	rctx, cancel := s.callContext(ctx, timeout)
	err := chromedp.Run(rctx, chromedp.Navigate(url))
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", harvest.ErrNavigation, url, err)
	}
	if wait == WaitNetworkIdle {
		remaining := timeout - time.Since(start)
		if remaining > 0 {
			s.WaitIdle(ctx, remaining)
		}
	}
	return nil
}

func (s *chromeSession) WaitIdle(ctx context.Context, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		idle := s.inflight <= 0 && time.Since(s.lastEvent) >= idleQuiet
		s.mu.Unlock()
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (s *chromeSession) Evaluate(ctx context.Context, script string, out any) error {
	rctx, cancel := s.callContext(ctx, defaultTimeout)
	defer cancel()
	var raw json.RawMessage
	if err := chromedp.Run(rctx, chromedp.Evaluate(script, &raw)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

func (s *chromeSession) ScrollBy(ctx context.Context, dy int) error {
	return s.Evaluate(ctx, fmt.Sprintf("(() => { window.scrollBy(0, %d); return true; })()", dy), nil)
}

func (s *chromeSession) ScrollToBottom(ctx context.Context) error {
	return s.Evaluate(ctx, "(() => { window.scrollTo(0, document.body.scrollHeight); return true; })()", nil)
}

func (s *chromeSession) Click(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("encode selector: %w", err)
	}
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el || el.offsetParent === null) return false;
	el.scrollIntoView({block: 'center'});
	el.click();
	return true;
})()`, quoted)
	var clicked bool
	if err := s.Evaluate(ctx, script, &clicked); err != nil {
		return false, err
	}
	return clicked, nil
}

func (s *chromeSession) Content(ctx context.Context) (string, error) {
	rctx, cancel := s.callContext(ctx, defaultTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(rctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	rctx, cancel := s.callContext(ctx, defaultTimeout)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(rctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.handlers = nil
		s.mu.Unlock()
		s.cleanup()
	})
	return nil
}

func pickHeaders(h network.Headers) map[string]string {
	out := make(map[string]string)
	for _, key := range capturedRequestHeaders {
		if v := headerValue(h, key); v != "" {
			out[key] = v
		}
	}
	return out
}

func headerValue(h network.Headers, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func postData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry == nil {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(entry.Bytes); err == nil {
			b.Write(decoded)
		} else {
			b.WriteString(entry.Bytes)
		}
	}
	return b.String()
}
