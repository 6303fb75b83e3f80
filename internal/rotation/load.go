package rotation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// LoadProxies reads a JSON array of {host, port, protocol, username, password}.
func LoadProxies(path string) ([]crawler.Proxy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proxies file: %w", err)
	}
	var proxies []crawler.Proxy
	if err := json.Unmarshal(data, &proxies); err != nil {
		return nil, fmt.Errorf("decode proxies file: %w", err)
	}
	for i, p := range proxies {
		if err := validateProxy(p); err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
	}
	return proxies, nil
}

func validateProxy(p crawler.Proxy) error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	switch strings.ToLower(p.Protocol) {
	case "", "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	return nil
}

// LoadIdentities reads one user agent per line, skipping blanks and # comments.
func LoadIdentities(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identities file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan identities file: %w", err)
	}
	return out, nil
}

// ValidateProxies checks proxies supplied inline through configuration.
func ValidateProxies(proxies []crawler.Proxy) error {
	for i, p := range proxies {
		if err := validateProxy(p); err != nil {
			return fmt.Errorf("proxy %d: %w", i, err)
		}
	}
	return nil
}
