// Package detector inspects fetched HTML: it decides when a plain HTTP result
// needs a browser render and spots CAPTCHA walls and robot checks.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultBodyThreshold = 2048
	// scriptShare is the percentage of the document held in <script> blocks
	// above which a short page counts as a client-rendered shell.
	scriptShare = 25
	// shellTextLimit is the visible text length below which an SPA mount
	// point is considered empty.
	shellTextLimit = 200
)

// mountSelectors match the root nodes common SPA frameworks render into.
var mountSelectors = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-version]"}

// Heuristic implements rule-based promotion to the headless scraper.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A non-positive threshold selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether a 200 response looks like it needs
// JavaScript to show its content.
func (h *Heuristic) ShouldPromote(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(doc, len(body)) {
		return true
	}
	return emptyMount(doc)
}

func scriptDensityHigh(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			covered += len(html)
		}
	})
	return covered*100/total >= scriptShare
}

// emptyMount is true when an SPA root exists but the page carries almost no
// visible text.
func emptyMount(doc *goquery.Document) bool {
	found := false
	for _, sel := range mountSelectors {
		if doc.Find(sel).Length() > 0 {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return len(strings.TrimSpace(body.Text())) < shellTextLimit
}
