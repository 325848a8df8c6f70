// Package datasource fetches market data from Yahoo Finance: daily OHLC
// history, ticker search, watchlist quotes, and the per-symbol news feed.
// Shared plumbing lives here: the HTTP helper, sentinel errors, a TTL+LRU
// cache, and an outbound rate limiter.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Sentinel errors. The API layer maps ErrNotFound and ErrNoData to 404
// and ErrRateLimited to 429.
var (
	// ErrNotFound marks a symbol Yahoo does not know.
	ErrNotFound = errors.New("symbol not found")
	// ErrNoData marks a known symbol with no usable bars in the window.
	ErrNoData = errors.New("no price data")
	// ErrRateLimited marks an upstream 429.
	ErrRateLimited = errors.New("rate limited by data source")
)

// ErrHTTP wraps an upstream HTTP error with its status code.
type ErrHTTP struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// DefaultUserAgent is sent on all outbound requests; Yahoo rejects the Go
// default agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// HTTPClient is the shared outbound client.
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// doGet performs a GET with browser-like headers and returns the response
// body. The caller closes the ReadCloser. Upstream 404 and 429 map to the
// package sentinels.
func doGet(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json, text/xml, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	case resp.StatusCode >= 400:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ErrHTTP{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return resp.Body, nil
}

// ════════════════════════════════════════════════════════════════════
// Cache — TTL With LRU Eviction
// ════════════════════════════════════════════════════════════════════

type cacheEntry struct {
	value    any
	expires  time.Time
	accessed time.Time
}

// Cache is a thread-safe in-memory cache with per-entry TTL and
// least-recently-used eviction above a fixed capacity.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	max     int
}

// NewCache creates a cache holding at most max entries for ttl each.
// max <= 0 means unbounded.
func NewCache(ttl time.Duration, max int) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		max:     max,
	}
}

// Get returns the cached value, or false when absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	e.accessed = now
	return e.value, true
}

// Set stores a value with the default TTL, evicting the least recently
// used entry when the cache is full.
func (c *Cache) Set(key string, value any) { c.SetWithTTL(key, value, c.ttl) }

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = &cacheEntry{
		value:    value,
		expires:  now.Add(ttl),
		accessed: now,
	}
}

// evictLocked removes expired entries, then the least recently used one
// if the cache is still full.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if c.max <= 0 || len(c.entries) < c.max {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.accessed.Before(oldest) {
			oldestKey = k
			oldest = e.accessed
		}
	}
	delete(c.entries, oldestKey)
}

// Invalidate removes one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ════════════════════════════════════════════════════════════════════
// Rate Limiter — Outbound Token Bucket
// ════════════════════════════════════════════════════════════════════

// RateLimiter throttles outbound requests with a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter allows maxTokens requests per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed >= rl.refillRate {
		periods := int(elapsed / rl.refillRate)
		rl.tokens += periods * rl.maxTokens
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = rl.lastRefill.Add(time.Duration(periods) * rl.refillRate)
	}
}
