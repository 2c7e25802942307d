package browser

import (
	"encoding/base64"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

func TestRandomProfileWithinBounds(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		p := RandomProfile(rng)
		require.Contains(t, userAgents, p.UserAgent)
		require.GreaterOrEqual(t, p.Width, 1820)
		require.LessOrEqual(t, p.Width, 2020)
		require.GreaterOrEqual(t, p.Height, 980)
		require.LessOrEqual(t, p.Height, 1180)
		require.Equal(t, "en-US", p.Locale)
		require.Equal(t, "America/New_York", p.Timezone)
	}
}

func TestProfileDefaults(t *testing.T) {
	t.Parallel()

	p := Profile{}.withDefaults()
	require.Equal(t, userAgents[0], p.UserAgent)
	require.Equal(t, 1920, p.Width)
	require.Equal(t, 1080, p.Height)
}

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	require.NoError(t, DetectBlock("<html><body>Products</body></html>"))

	for _, page := range []string{
		"<title>Just a moment...</title>",
		"Please VERIFY YOU ARE HUMAN",
		"<div>请输入验证码</div>",
		"Access Denied",
		"<html><body><h1>Sorry, you have been blocked</h1></body></html>",
	} {
		err := DetectBlock(page)
		require.ErrorIs(t, err, harvest.ErrBlocked, page)
	}
}

func TestDetectBlockIgnoresMarkupAndPartialWords(t *testing.T) {
	t.Parallel()

	for _, page := range []string{
		`<html><head><script src="https://cdnjs.cloudflare.com/ajax/libs/jquery/3.7.1/jquery.min.js"></script></head>` +
			`<body><h1>Catalog</h1></body></html>`,
		`<html><body><p>Turn off your adblocker for 10% off.</p></body></html>`,
		`<html><body><div data-state="forbidden captcha">Shoes</div></body></html>`,
		`<html><body><script>var msg = "access denied";</script><p>Shoes</p></body></html>`,
		`<html><body><p>Unblocked games and forbiddenly good prices</p></body></html>`,
	} {
		require.NoError(t, DetectBlock(page), page)
	}
}

func TestEvasionScriptIncludesMasking(t *testing.T) {
	t.Parallel()

	script := EvasionScript()
	require.True(t, strings.Contains(script, "Intel Iris OpenGL Engine"))
	require.True(t, strings.Contains(script, "37445"))
	require.Greater(t, len(script), len(maskingJS))
}

func TestParseWaitCondition(t *testing.T) {
	t.Parallel()

	require.Equal(t, WaitLoad, ParseWaitCondition("LOAD"))
	require.Equal(t, WaitDOMContentLoaded, ParseWaitCondition("domcontentloaded"))
	require.Equal(t, WaitNetworkIdle, ParseWaitCondition(""))
	require.Equal(t, WaitNetworkIdle, ParseWaitCondition("bogus"))
}

func TestPickHeadersKeepsSubset(t *testing.T) {
	t.Parallel()

	got := pickHeaders(network.Headers{
		"Referer":          "https://a.example",
		"X-Requested-With": "XMLHttpRequest",
		"Sec-Ch-Ua":        "chromium",
	})
	require.Equal(t, map[string]string{
		"referer":          "https://a.example",
		"x-requested-with": "XMLHttpRequest",
	}, got)
}

func TestPostDataDecodesEntries(t *testing.T) {
	t.Parallel()

	req := &network.Request{
		HasPostData: true,
		PostDataEntries: []*network.PostDataEntry{
			{Bytes: base64.StdEncoding.EncodeToString([]byte(`{"page":2}`))},
		},
	}
	require.Equal(t, `{"page":2}`, postData(req))
	require.Empty(t, postData(&network.Request{}))
}

func TestResponseBodyWithoutLoader(t *testing.T) {
	t.Parallel()

	_, err := Response{}.Body(t.Context())
	require.ErrorIs(t, err, ErrNoBody)
	require.True(t, Response{Status: 204}.OK())
	require.False(t, Response{Status: 304}.OK())
}

func TestNewChromeValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChrome(Config{MaxSessions: -1}, nil)
	require.Error(t, err)

	c, err := NewChrome(Config{MaxSessions: 2, Headless: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(c.limiter))
	require.False(t, c.Started())
	c.Stop()
}
