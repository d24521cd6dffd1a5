package netfilter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache is the device's bounded on-disk record of applied rule IPs. It lets a
// device skip re-applying rules across repeated CONTROL broadcasts and across
// restarts. Oldest entries are evicted once the bound is reached.
type Cache struct {
	path string
	max  int

	mu  sync.Mutex
	ips []string
	set map[string]struct{}
}

// OpenCache loads (or creates) the cache file at path, keeping at most max
// entries.
func OpenCache(path string, max int) (*Cache, error) {
	if max <= 0 {
		max = 1024
	}
	c := &Cache{path: path, max: max, set: make(map[string]struct{})}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("rule cache dir: %w", err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("rule cache open: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ip := strings.TrimSpace(sc.Text())
		if ip == "" {
			continue
		}
		if _, ok := c.set[ip]; ok {
			continue
		}
		c.ips = append(c.ips, ip)
		c.set[ip] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rule cache read: %w", err)
	}
	c.evictLocked()
	return c, nil
}

// Contains reports whether ip is cached.
func (c *Cache) Contains(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[ip]
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ips)
}

// Add records ip, evicts beyond the bound and persists the cache file.
func (c *Cache) Add(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[ip]; ok {
		return nil
	}
	c.ips = append(c.ips, ip)
	c.set[ip] = struct{}{}
	c.evictLocked()
	return c.persistLocked()
}

func (c *Cache) evictLocked() {
	for len(c.ips) > c.max {
		oldest := c.ips[0]
		c.ips = c.ips[1:]
		delete(c.set, oldest)
	}
}

func (c *Cache) persistLocked() error {
	var b strings.Builder
	for _, ip := range c.ips {
		b.WriteString(ip)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(c.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rule cache write: %w", err)
	}
	return nil
}
