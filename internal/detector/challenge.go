package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// Challenge kinds understood by CAPTCHA solvers.
const (
	KindRecaptcha = "recaptcha"
	KindHCaptcha  = "hcaptcha"
)

// widget describes where a solvable challenge lives and where its token goes.
type widget struct {
	kind          string
	selector      string
	responseField string
}

var widgets = []widget{
	{kind: KindRecaptcha, selector: ".g-recaptcha[data-sitekey]", responseField: "g-recaptcha-response"},
	{kind: KindHCaptcha, selector: ".h-captcha[data-sitekey]", responseField: "h-captcha-response"},
}

// robotCheckSelectors match interstitials that no solver can pass.
var robotCheckSelectors = []string{
	"#captchacharacters",
	"form[action*='Captcha']",
	"form[action*='captcha']",
	".captcha-container",
	"#challenge-form",
	"#cf-challenge-running",
}

// FindChallenge returns the first solvable CAPTCHA widget in html.
func FindChallenge(html []byte, pageURL string) (crawler.Challenge, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.Challenge{}, false
	}
	return findChallenge(doc, pageURL)
}

func findChallenge(doc *goquery.Document, pageURL string) (crawler.Challenge, bool) {
	for _, w := range widgets {
		node := doc.Find(w.selector).First()
		if node.Length() == 0 {
			continue
		}
		key, _ := node.Attr("data-sitekey")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		return crawler.Challenge{Kind: w.kind, SiteKey: key, PageURL: pageURL}, true
	}
	return crawler.Challenge{}, false
}

// ResponseField is the form field a solved token is written to.
func ResponseField(kind string) string {
	for _, w := range widgets {
		if w.kind == kind {
			return w.responseField
		}
	}
	return ""
}

// Blocked reports whether html is a CAPTCHA wall or robot check, solvable or not.
func Blocked(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}
	if _, ok := findChallenge(doc, ""); ok {
		return true
	}
	for _, sel := range robotCheckSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(doc.Find("title").First().Text())
	return strings.Contains(title, "robot check") || strings.Contains(title, "are you a robot") ||
		strings.Contains(title, "just a moment")
}
