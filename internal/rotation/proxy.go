// Package rotation hands out proxies and user-agent identities in round-robin
// order and tracks proxies banned after block detection.
package rotation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/metrics"
)

// ProxyRotator cycles a fixed proxy list. Bans are permanent for the lifetime
// of the rotator; a fresh process reloads the list unbanned.
type ProxyRotator struct {
	mu      sync.Mutex
	proxies []crawler.Proxy
	banned  map[string]struct{}
	next    int
	// current is the index most recently returned by Next, or -1.
	current int
	logger  *zap.Logger
}

// NewProxyRotator copies proxies so later mutation by the caller has no effect.
func NewProxyRotator(proxies []crawler.Proxy, logger *zap.Logger) *ProxyRotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyRotator{
		proxies: append([]crawler.Proxy(nil), proxies...),
		banned:  make(map[string]struct{}),
		current: -1,
		logger:  logger,
	}
}

// Next returns the next non-banned proxy after the last one issued.
func (r *ProxyRotator) Next() (crawler.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.proxies)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		p := r.proxies[idx]
		if _, banned := r.banned[p.Key()]; banned {
			continue
		}
		r.current = idx
		r.next = (idx + 1) % n
		return p, nil
	}
	return crawler.Proxy{}, crawler.ErrAllProxiesBanned
}

// BanCurrent bans the proxy most recently returned by Next.
func (r *ProxyRotator) BanCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current < 0 {
		return
	}
	r.banLocked(r.proxies[r.current])
}

// Ban bans a specific proxy previously returned by Next.
func (r *ProxyRotator) Ban(proxy crawler.Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banLocked(proxy)
}

func (r *ProxyRotator) banLocked(proxy crawler.Proxy) {
	key := proxy.Key()
	if _, already := r.banned[key]; already {
		return
	}
	r.banned[key] = struct{}{}
	metrics.SetProxiesBanned(len(r.banned))
	r.logger.Warn("proxy banned",
		zap.String("proxy", key),
		zap.Int("banned", len(r.banned)),
		zap.Int("total", len(r.proxies)),
	)
}

// Banned reports how many proxies are banned.
func (r *ProxyRotator) Banned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.banned)
}

// Len reports the size of the proxy list.
func (r *ProxyRotator) Len() int {
	return len(r.proxies)
}
