package rotation

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

func threeProxies() []crawler.Proxy {
	return []crawler.Proxy{
		{Host: "a.proxy", Port: 8000, Protocol: "http"},
		{Host: "b.proxy", Port: 8000, Protocol: "http"},
		{Host: "c.proxy", Port: 8000, Protocol: "http"},
	}
}

func nextHost(t *testing.T, r *ProxyRotator) string {
	t.Helper()
	p, err := r.Next()
	require.NoError(t, err)
	return p.Host
}

func TestProxyRotatorRoundRobin(t *testing.T) {
	t.Parallel()

	r := NewProxyRotator(threeProxies(), nil)
	got := []string{nextHost(t, r), nextHost(t, r), nextHost(t, r), nextHost(t, r)}
	require.Equal(t, []string{"a.proxy", "b.proxy", "c.proxy", "a.proxy"}, got)
}

func TestProxyRotatorBanMonotonic(t *testing.T) {
	t.Parallel()

	r := NewProxyRotator(threeProxies(), nil)
	require.Equal(t, "a.proxy", nextHost(t, r))
	require.Equal(t, "b.proxy", nextHost(t, r))
	r.BanCurrent()
	require.Equal(t, 1, r.Banned())

	for range 20 {
		require.NotEqual(t, "b.proxy", nextHost(t, r))
	}
}

func TestProxyRotatorAllBanned(t *testing.T) {
	t.Parallel()

	r := NewProxyRotator(threeProxies()[:1], nil)
	require.Equal(t, "a.proxy", nextHost(t, r))
	r.BanCurrent()
	_, err := r.Next()
	require.ErrorIs(t, err, crawler.ErrAllProxiesBanned)

	r.BanCurrent()
	require.Equal(t, 1, r.Banned(), "double ban is a no-op")

	_, err = NewProxyRotator(nil, nil).Next()
	require.ErrorIs(t, err, crawler.ErrAllProxiesBanned)
}

func TestProxyRotatorBanSpecific(t *testing.T) {
	t.Parallel()

	proxies := threeProxies()
	r := NewProxyRotator(proxies, nil)
	r.Ban(proxies[0])
	r.Ban(proxies[2])
	for range 5 {
		require.Equal(t, "b.proxy", nextHost(t, r))
	}
}

func TestProxyRotatorConcurrentBans(t *testing.T) {
	t.Parallel()

	r := NewProxyRotator(threeProxies(), nil)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := r.Next(); err == nil && p.Host == "c.proxy" {
				r.Ban(p)
			}
		}()
	}
	wg.Wait()
	for range 10 {
		p, err := r.Next()
		require.NoError(t, err)
		require.NotEqual(t, "c.proxy", p.Host)
	}
}

func TestBanCurrentBeforeNextIsNoop(t *testing.T) {
	t.Parallel()

	r := NewProxyRotator(threeProxies(), nil)
	r.BanCurrent()
	require.Zero(t, r.Banned())
}

func TestIdentityRotator(t *testing.T) {
	t.Parallel()

	r := NewIdentityRotator([]string{"ua-1", "ua-2"})
	var got []string
	for range 3 {
		ua, err := r.Next()
		require.NoError(t, err)
		got = append(got, ua)
	}
	require.Equal(t, []string{"ua-1", "ua-2", "ua-1"}, got)

	_, err := NewIdentityRotator(nil).Next()
	require.ErrorIs(t, err, crawler.ErrNoIdentitiesAvailable)
}

func TestLoadProxies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.json")
	body := `[{"host":"10.0.0.1","port":3128,"protocol":"http","username":"u","password":"p"},{"host":"10.0.0.2","port":1080,"protocol":"socks5"}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	proxies, err := LoadProxies(path)
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	require.Equal(t, "u", proxies[0].Username)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"host":"","port":1}]`), 0o600))
	_, err = LoadProxies(bad)
	require.Error(t, err)

	require.Error(t, ValidateProxies([]crawler.Proxy{{Host: "h", Port: 70000}}))
	require.Error(t, ValidateProxies([]crawler.Proxy{{Host: "h", Port: 1, Protocol: "ftp"}}))
}

func TestLoadIdentities(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nua-1\n\n  ua-2  \n"), 0o600))

	ids, err := LoadIdentities(path)
	require.NoError(t, err)
	require.Equal(t, []string{"ua-1", "ua-2"}, ids)
}
