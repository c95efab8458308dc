package capki

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrMintFailure wraps a leaf-mint failure surfaced through
// GetCertificate, letting callers distinguish "the CA works but this
// particular leaf couldn't be signed" from a handshake protocol error.
var ErrMintFailure = errors.New("capki: mint failure")

// MaxCacheSize is the cache capacity: bulk-evict to half when a 1001st
// distinct hostname would be inserted.
const MaxCacheSize = 1000

// Cache mints and caches leaf certificates by hostname. Eviction is not
// true LRU — on overflow it drops the first half of entries encountered
// in map iteration order, a deliberately cheap approximation rather than
// tracking real access recency.
type Cache struct {
	ca *CA

	mu      sync.Mutex
	entries map[string]*Identity
}

// NewCache creates a certificate cache backed by ca. A nil ca means the
// CA is unavailable; GetCertificate then always returns
// ErrCAUnavailable, which fails the handshake that called it.
func NewCache(ca *CA) *Cache {
	return &Cache{ca: ca, entries: make(map[string]*Identity)}
}

// GetCertificate implements tls.Config.GetCertificate: look up by SNI
// hostname (falling back to the local connection address when SNI is
// absent), mint on a cache miss with double-checked insertion.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c.ca == nil {
		return nil, ErrCAUnavailable
	}

	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("capki: no SNI and no local address to fall back to")
		}
	}

	id, err := c.Get(host)
	if err != nil {
		return nil, err
	}
	return id.Leaf, nil
}

// Get returns the cached identity for host, minting one on a miss.
func (c *Cache) Get(host string) (*Identity, error) {
	c.mu.Lock()
	if id, ok := c.entries[host]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := Mint(c.ca, host)
	if err != nil {
		return nil, fmt.Errorf("%w: minting certificate for %s: %v", ErrMintFailure, host, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-checked: another goroutine may have minted and inserted
	// the same hostname while we were signing ours.
	if existing, ok := c.entries[host]; ok {
		return existing, nil
	}
	if len(c.entries) >= MaxCacheSize {
		c.evictHalfLocked()
	}
	c.entries[host] = id
	return id, nil
}

// evictHalfLocked drops roughly half the cache, chosen in map iteration
// order (random per Go's map semantics) rather than by recency.
func (c *Cache) evictHalfLocked() {
	target := len(c.entries) / 2
	dropped := 0
	for host := range c.entries {
		if dropped >= target {
			break
		}
		delete(c.entries, host)
		dropped++
	}
}

// Size returns the current number of cached hostnames.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
