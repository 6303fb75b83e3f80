// Package sha256 hashes submission payloads for duplicate detection and page
// bodies for content-addressed storage.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. A namespaced hasher prefixes every input
// so digests from different uses never collide in a shared keyspace.
type Hasher struct {
	prefix []byte
}

// New returns a plain SHA-256 hasher; Hash(b) equals sha256sum of b.
func New() *Hasher {
	return &Hasher{}
}

// NewNamespaced returns a hasher whose digests are scoped to namespace.
func NewNamespaced(namespace string) *Hasher {
	if namespace == "" {
		return New()
	}
	prefix := make([]byte, 0, len(namespace)+1)
	prefix = append(prefix, namespace...)
	prefix = append(prefix, 0)
	return &Hasher{prefix: prefix}
}

// Hash returns the lowercase hex digest. The error is always nil.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(h.prefix) == 0 {
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
	d := sha256.New()
	d.Write(h.prefix)
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil)), nil
}
