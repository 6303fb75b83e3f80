package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicPromotesEmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, NewHeuristic(100).ShouldPromote(200, []byte("  ")))
}

func TestHeuristicPromotesEmptyMount(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(200, []byte(`<html><body><div id="__next"></div></body></html>`)))
	require.True(t, h.ShouldPromote(200, []byte(`<html><body><app-root ng-version="17.0.0"></app-root></body></html>`)))
}

func TestHeuristicKeepsRenderedMount(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Stainless kettle, 1.7 litres, in stock. ", 10)
	body := `<html><body><div id="root"><h1>Kettle</h1><p>` + text + `</p></div></body></html>`
	require.False(t, NewHeuristic(100).ShouldPromote(200, []byte(body)))
}

func TestHeuristicScriptDensity(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><script>window.__STATE__={"items":[1,2,3]};</script><p>t</p></html>`)
	require.True(t, NewHeuristic(1000).ShouldPromote(200, body))
	require.False(t, NewHeuristic(10).ShouldPromote(200, body), "long pages are judged on mount points only")
}

func TestHeuristicIgnoresNon200(t *testing.T) {
	t.Parallel()

	require.False(t, NewHeuristic(100).ShouldPromote(404, []byte("")))
}

func TestFindChallenge(t *testing.T) {
	t.Parallel()

	html := []byte(`<form><div class="g-recaptcha" data-sitekey="6Lc-key"></div>
<textarea id="g-recaptcha-response"></textarea></form>`)
	challenge, ok := FindChallenge(html, "https://shop.example/p/1")
	require.True(t, ok)
	require.Equal(t, KindRecaptcha, challenge.Kind)
	require.Equal(t, "6Lc-key", challenge.SiteKey)
	require.Equal(t, "https://shop.example/p/1", challenge.PageURL)
	require.Equal(t, "g-recaptcha-response", ResponseField(challenge.Kind))

	challenge, ok = FindChallenge([]byte(`<div class="h-captcha" data-sitekey="h-key"></div>`), "")
	require.True(t, ok)
	require.Equal(t, KindHCaptcha, challenge.Kind)
	require.Equal(t, "h-captcha-response", ResponseField(KindHCaptcha))

	_, ok = FindChallenge([]byte(`<div class="g-recaptcha"></div>`), "")
	require.False(t, ok, "a widget without a site key cannot be solved")
	require.Empty(t, ResponseField("turnstile"))
}

func TestBlocked(t *testing.T) {
	t.Parallel()

	require.True(t, Blocked([]byte(`<form action="/errors/validateCaptcha"><input id="captchacharacters"></form>`)))
	require.True(t, Blocked([]byte(`<html><head><title>Robot Check</title></head></html>`)))
	require.True(t, Blocked([]byte(`<div class="h-captcha" data-sitekey="k"></div>`)))
	require.False(t, Blocked([]byte(`<html><head><title>Kettle</title></head><body>ok</body></html>`)))
}
