package browser

import (
	"math/rand/v2"
)

// Fixed fingerprint attributes shared by every session.
const (
	DefaultLocale   = "en-US"
	DefaultTimezone = "America/New_York"

	baseWidth      = 1920
	baseHeight     = 1080
	viewportJitter = 100
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// Profile is the fingerprint a session presents.
type Profile struct {
	UserAgent string
	Width     int
	Height    int
	Locale    string
	Timezone  string
}

// UserAgents returns the pool profiles draw from.
func UserAgents() []string {
	return append([]string(nil), userAgents...)
}

// RandomProfile draws a user agent from the pool and jitters the viewport.
// A nil rng uses the global source.
func RandomProfile(rng *rand.Rand) Profile {
	intn := rand.IntN
	if rng != nil {
		intn = rng.IntN
	}
	return Profile{
		UserAgent: userAgents[intn(len(userAgents))],
		Width:     baseWidth + intn(2*viewportJitter+1) - viewportJitter,
		Height:    baseHeight + intn(2*viewportJitter+1) - viewportJitter,
		Locale:    DefaultLocale,
		Timezone:  DefaultTimezone,
	}
}

func (p Profile) withDefaults() Profile {
	if p.UserAgent == "" {
		p.UserAgent = userAgents[0]
	}
	if p.Width <= 0 {
		p.Width = baseWidth
	}
	if p.Height <= 0 {
		p.Height = baseHeight
	}
	if p.Locale == "" {
		p.Locale = DefaultLocale
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	return p
}
