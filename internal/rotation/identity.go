package rotation

import (
	"sync"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// DefaultIdentities is used when no identity list is configured.
var DefaultIdentities = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:129.0) Gecko/20100101 Firefox/129.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36 Edg/127.0.0.0",
}

// IdentityRotator cycles user-agent strings.
type IdentityRotator struct {
	mu         sync.Mutex
	identities []string
	next       int
}

// NewIdentityRotator copies identities.
func NewIdentityRotator(identities []string) *IdentityRotator {
	return &IdentityRotator{identities: append([]string(nil), identities...)}
}

// Next returns the next identity in order.
func (r *IdentityRotator) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.identities) == 0 {
		return "", crawler.ErrNoIdentitiesAvailable
	}
	identity := r.identities[r.next]
	r.next = (r.next + 1) % len(r.identities)
	return identity, nil
}
