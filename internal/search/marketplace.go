package search

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// Marketplace describes one storefront's search page and what its product
// links look like.
type Marketplace struct {
	Name       string `json:"name" mapstructure:"name"`
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	SearchPath string `json:"search_path" mapstructure:"search_path"`
	// QueryParam carries the term in the query string. When empty the
	// escaped term is appended to SearchPath as is.
	QueryParam string `json:"query_param,omitempty" mapstructure:"query_param"`
	// Patterns are the substrings that mark a product link.
	Patterns []string      `json:"patterns" mapstructure:"patterns"`
	Timeout  time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// DefaultMarketplaces is used when configuration lists none.
func DefaultMarketplaces() []Marketplace {
	return []Marketplace{
		{
			Name:       "mercadolibre",
			BaseURL:    "https://listado.mercadolibre.com.ec",
			SearchPath: "/",
			Patterns:   []string{"/p/", "-MEC-", "/MEC-", "click1"},
		},
		{
			Name:       "ebay",
			BaseURL:    "https://www.ebay.com",
			SearchPath: "/sch/i.html",
			QueryParam: "_nkw",
			Patterns:   []string{"/itm/", "hash=item"},
		},
		{
			Name:       "amazon",
			BaseURL:    "https://www.amazon.com",
			SearchPath: "/s",
			QueryParam: "k",
			Patterns:   []string{"/dp/", "/gp/product/", "/gp/aw/d/"},
		},
	}
}

// SearchURL renders the listing page for term.
func (m Marketplace) SearchURL(term string) (string, error) {
	prefix := strings.TrimRight(m.BaseURL, "/") + "/" + strings.TrimLeft(m.SearchPath, "/")
	var raw string
	if m.QueryParam != "" {
		raw = prefix + "?" + url.Values{m.QueryParam: {term}}.Encode()
	} else {
		raw = prefix + url.PathEscape(term)
	}
	target, err := crawler.ValidateTarget(raw)
	if err != nil {
		return "", fmt.Errorf("marketplace %s: %w", m.Name, err)
	}
	return target, nil
}

// Validate checks the fields a search needs.
func (m Marketplace) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: marketplace name required", crawler.ErrInvalidRequest)
	}
	if _, err := m.SearchURL("x"); err != nil {
		return err
	}
	return nil
}
