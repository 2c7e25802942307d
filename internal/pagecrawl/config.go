package pagecrawl

import "time"

// Config tunes the multi-page crawler.
type Config struct {
	// MaxPages bounds the pages visited when a request does not set it.
	MaxPages int `mapstructure:"max_pages"`
	// Concurrency bounds pages processed in parallel.
	Concurrency int `mapstructure:"concurrency"`
	// RequestsPerSecond and Burst shape the per-host token bucket. A
	// non-positive rate disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	UserAgent         string  `mapstructure:"user_agent"`
	// Timeout bounds one page fetch.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxPromptChars truncates the cleaned page handed to extraction.
	MaxPromptChars int `mapstructure:"max_prompt_chars"`
	// Blocklist holds hosts that are never fetched. "*.example.com" and
	// ".example.com" match the domain and its subdomains.
	Blocklist []string `mapstructure:"blocklist"`
	// ForbiddenThreshold blocks a host after this many 401/403/429 replies.
	ForbiddenThreshold int `mapstructure:"forbidden_threshold"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPages:           1,
		Concurrency:        5,
		RequestsPerSecond:  2,
		Burst:              2,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Timeout:            10 * time.Second,
		MaxPromptChars:     20000,
		ForbiddenThreshold: 3,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = def.MaxPromptChars
	}
	if c.ForbiddenThreshold <= 0 {
		c.ForbiddenThreshold = def.ForbiddenThreshold
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	return c
}
