// Package browser owns the headless browser process and hands out isolated,
// fingerprint-randomized sessions to the harvesting phases.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoBody is returned when a response body cannot be retrieved.
var ErrNoBody = errors.New("response body unavailable")

// WaitCondition selects when a navigation is considered finished.
type WaitCondition string

// Supported wait conditions.
const (
	WaitNetworkIdle      WaitCondition = "networkidle"
	WaitLoad             WaitCondition = "load"
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
)

// ParseWaitCondition maps user input to a WaitCondition, defaulting to
// network idle.
func ParseWaitCondition(s string) WaitCondition {
	switch WaitCondition(strings.ToLower(strings.TrimSpace(s))) {
	case WaitLoad:
		return WaitLoad
	case WaitDOMContentLoaded:
		return WaitDOMContentLoaded
	default:
		return WaitNetworkIdle
	}
}

// Resource kinds reported on responses, lowercased from the DevTools names.
const (
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
	ResourceScript     = "script"
	ResourceDocument   = "document"
	ResourceImage      = "image"
	ResourceMedia      = "media"
	ResourceFont       = "font"
	ResourceStylesheet = "stylesheet"
	ResourceOther      = "other"
)

// Response is one completed network exchange observed by a session.
type Response struct {
	URL            string
	Method         string
	Status         int
	ResourceType   string
	ContentType    string
	RequestHeaders map[string]string
	PostData       string
	// BodyFunc loads the response body on demand.
	BodyFunc func(ctx context.Context) ([]byte, error)
}

// Body returns the response body.
func (r Response) Body(ctx context.Context) ([]byte, error) {
	if r.BodyFunc == nil {
		return nil, ErrNoBody
	}
	return r.BodyFunc(ctx)
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// ResponseHandler is invoked for every finished response. Handlers run on
// listener goroutines and must not block navigation.
type ResponseHandler func(Response)

// Session is one isolated browsing context with a single page.
type Session interface {
	Profile() Profile
	OnResponse(h ResponseHandler)
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	// WaitIdle waits until no request has been in flight for a short quiet
	// period. Hitting timeout is not an error.
	WaitIdle(ctx context.Context, timeout time.Duration)
	Evaluate(ctx context.Context, script string, out any) error
	ScrollBy(ctx context.Context, dy int) error
	ScrollToBottom(ctx context.Context) error
	// Click clicks the first visible element matching selector and reports
	// whether anything was clicked.
	Click(ctx context.Context, selector string) (bool, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Manager creates sessions that share one browser process.
type Manager interface {
	NewSession(ctx context.Context, profile Profile) (Session, error)
}
