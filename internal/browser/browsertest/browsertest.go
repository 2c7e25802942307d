// Package browsertest provides scripted in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-engine/internal/browser"
)

// JSON builds a completed xhr response carrying body.
func JSON(url, body string) browser.Response {
	return Resp(url, browser.ResourceXHR, "application/json", body)
}

// Resp builds a completed 200 GET response.
func Resp(url, resourceType, contentType, body string) browser.Response {
	return browser.Response{
		URL:            url,
		Method:         "GET",
		Status:         200,
		ResourceType:   resourceType,
		ContentType:    contentType,
		RequestHeaders: map[string]string{"accept": "*/*"},
		BodyFunc: func(context.Context) ([]byte, error) {
			return []byte(body), nil
		},
	}
}

// Session is a scripted browser.Session. Responses are delivered
// synchronously to handlers, so a test sees them before the call returns.
type Session struct {
	// NavResponses are emitted by every Navigate call.
	NavResponses []browser.Response
	// ScrollResponses[i] is emitted by the i-th scroll call.
	ScrollResponses [][]browser.Response
	// HTML is returned by Content.
	HTML string
	// Eval maps a script substring to the value Evaluate decodes into out.
	Eval map[string]any
	// ClickResults[selector] is returned by Click.
	ClickResults  map[string]bool
	NavigateErr   error
	ScreenshotPNG []byte

	mu          sync.Mutex
	profile     browser.Profile
	handlers    []browser.ResponseHandler
	navigations []string
	scrolls     int
	clicks      []string
	closed      bool
}

// Profile returns the profile the session was created with.
func (s *Session) Profile() browser.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// OnResponse registers h.
func (s *Session) OnResponse(h browser.ResponseHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Emit delivers responses to the registered handlers.
func (s *Session) Emit(responses ...browser.Response) {
	s.mu.Lock()
	handlers := append([]browser.ResponseHandler(nil), s.handlers...)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	for _, r := range responses {
		for _, h := range handlers {
			h(r)
		}
	}
}

// Navigate records url and emits NavResponses.
func (s *Session) Navigate(_ context.Context, url string, _ browser.WaitCondition, _ time.Duration) error {
	s.mu.Lock()
	s.navigations = append(s.navigations, url)
	err := s.NavigateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Emit(s.NavResponses...)
	return nil
}

// WaitIdle returns immediately.
func (s *Session) WaitIdle(context.Context, time.Duration) {}

// Evaluate decodes the first Eval entry whose key occurs in script into out.
// Unmatched scripts leave out untouched.
func (s *Session) Evaluate(_ context.Context, script string, out any) error {
	s.mu.Lock()
	var (
		val   any
		found bool
	)
	for key, v := range s.Eval {
		if strings.Contains(script, key) {
			val, found = v, true
			break
		}
	}
	s.mu.Unlock()
	if !found || out == nil {
		return nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Session) scroll() {
	s.mu.Lock()
	idx := s.scrolls
	s.scrolls++
	var batch []browser.Response
	if idx < len(s.ScrollResponses) {
		batch = s.ScrollResponses[idx]
	}
	s.mu.Unlock()
	s.Emit(batch...)
}

// ScrollBy counts as one scroll step.
func (s *Session) ScrollBy(context.Context, int) error {
	s.scroll()
	return nil
}

// ScrollToBottom counts as one scroll step.
func (s *Session) ScrollToBottom(context.Context) error {
	s.scroll()
	return nil
}

// Click records selector and returns ClickResults[selector].
func (s *Session) Click(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	return s.ClickResults[selector], nil
}

// Content returns HTML.
func (s *Session) Content(context.Context) (string, error) {
	return s.HTML, nil
}

// Screenshot returns ScreenshotPNG or a stub image.
func (s *Session) Screenshot(context.Context) ([]byte, error) {
	if s.ScreenshotPNG != nil {
		return s.ScreenshotPNG, nil
	}
	return []byte("\x89PNG"), nil
}

// Close marks the session closed; later emissions are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Navigations returns the URLs navigated to.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

// Scrolls returns the number of scroll calls.
func (s *Session) Scrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrolls
}

// Clicks returns the selectors clicked.
func (s *Session) Clicks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicks...)
}

// Manager hands out scripted sessions.
type Manager struct {
	// New builds the n-th session (0-based). Nil yields empty sessions.
	New func(n int) *Session
	// Err fails every NewSession call.
	Err error

	mu       sync.Mutex
	sessions []*Session
}

// NewSession returns the next scripted session.
func (m *Manager) NewSession(_ context.Context, profile browser.Profile) (browser.Session, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var sess *Session
	if m.New != nil {
		sess = m.New(len(m.sessions))
	}
	if sess == nil {
		sess = &Session{}
	}
	sess.mu.Lock()
	sess.profile = profile
	sess.mu.Unlock()
	m.sessions = append(m.sessions, sess)
	return sess, nil
}

// Sessions returns every session handed out so far.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.sessions...)
}

// ErrNavigation is a ready-made navigation failure.
var ErrNavigation = errors.New("net::ERR_NAME_NOT_RESOLVED")
