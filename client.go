// Package memcached is a client library for the memcached text protocol: key
// routing over a weighted bucket vector, per-host connection pooling with
// dead-host backoff, and a typed value codec with optional compression.
package memcached

import (
	"time"

	"github.com/go-memcached/memcached/mcerr"
)

// Client is a stateless façade over a named Pool (§4.F): it carries only the
// pool name and the per-call codec policy. All methods are safe to call
// from multiple concurrent goroutines — the Pool itself owns the state.
type Client struct {
	poolName               string
	primitiveAsString      bool
	compressEnable         bool
	compressThresholdBytes int
	defaultTextEncoding    string
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithPrimitiveAsString makes every store/load on this Client use the
// tag-free, flag-free text representation described in §4.A's asymmetry
// contract.
func WithPrimitiveAsString(v bool) ClientOption {
	return func(c *Client) { c.primitiveAsString = v }
}

// WithCompression enables gzip compression above thresholdBytes on writes.
func WithCompression(enable bool, thresholdBytes int) ClientOption {
	return func(c *Client) {
		c.compressEnable = enable
		c.compressThresholdBytes = thresholdBytes
	}
}

// WithDefaultTextEncoding records the encoding name on the Client; the codec
// itself always operates on UTF-8 Go strings.
func WithDefaultTextEncoding(name string) ClientOption {
	return func(c *Client) { c.defaultTextEncoding = name }
}

// NewClient builds a Client bound to the named pool. The pool must already
// be registered via GetOrCreatePool and Initialize'd before any operation
// below is used.
func NewClient(poolName string, opts ...ClientOption) *Client {
	if poolName == "" {
		poolName = "default"
	}
	c := &Client{
		poolName:               poolName,
		compressThresholdBytes: 30720,
		defaultTextEncoding:    "UTF-8",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) pool() (*Pool, error) {
	registryMu.Lock()
	p, ok := registry[c.poolName]
	registryMu.Unlock()
	if !ok {
		return nil, mcerr.New(mcerr.KindConfig, "pool not registered: "+c.poolName)
	}
	return p, nil
}

func (c *Client) opts() codecOptions {
	return codecOptions{
		CompressEnable:         c.compressEnable,
		CompressThresholdBytes: c.compressThresholdBytes,
		PrimitiveAsString:      c.primitiveAsString,
	}
}

// Set stores v under key with expiration exp (zero value means "never").
func (c *Client) Set(key string, v any, exp time.Time) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.Set(key, v, exp, c.opts())
}

// Add stores v under key only if key is not already present.
func (c *Client) Add(key string, v any, exp time.Time) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.Add(key, v, exp, c.opts())
}

// Replace stores v under key only if key is already present.
func (c *Client) Replace(key string, v any, exp time.Time) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.Replace(key, v, exp, c.opts())
}

// Get returns the value stored at key, or ok=false if absent.
func (c *Client) Get(key string) (any, bool, error) {
	p, err := c.pool()
	if err != nil {
		return nil, false, err
	}
	return p.Get(key, c.primitiveAsString)
}

// GetMulti returns a map of the subset of keys present in the cache.
func (c *Client) GetMulti(keys []string) (map[string]any, error) {
	p, err := c.pool()
	if err != nil {
		return nil, err
	}
	return p.GetMulti(keys, c.primitiveAsString)
}

// Delete removes key from the cache.
func (c *Client) Delete(key string) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.Delete(key, time.Time{})
}

// Incr atomically increments the counter at key by delta, returning -1 if
// key is absent or not a valid counter.
func (c *Client) Incr(key string, delta int64) (int64, error) {
	p, err := c.pool()
	if err != nil {
		return -1, err
	}
	return p.Incr(key, delta), nil
}

// Decr atomically decrements the counter at key by delta, returning -1 if
// key is absent or not a valid counter.
func (c *Client) Decr(key string, delta int64) (int64, error) {
	p, err := c.pool()
	if err != nil {
		return -1, err
	}
	return p.Decr(key, delta), nil
}

// StoreCounter implements §4.E's storeCounter helper.
func (c *Client) StoreCounter(key string, n int64) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.StoreCounter(key, n)
}

// GetCounter implements §4.E's getCounter helper.
func (c *Client) GetCounter(key string) (int64, error) {
	p, err := c.pool()
	if err != nil {
		return -1, err
	}
	return p.GetCounter(key), nil
}

// FlushAll invalidates every key on targets, or on every configured server
// when targets is empty.
func (c *Client) FlushAll(targets ...string) (bool, error) {
	p, err := c.pool()
	if err != nil {
		return false, err
	}
	return p.FlushAll(targets), nil
}

// Stats returns per-server stat maps for targets, or for every configured
// server when targets is empty.
func (c *Client) Stats(targets ...string) (map[string]map[string]string, error) {
	p, err := c.pool()
	if err != nil {
		return nil, err
	}
	return p.Stats(targets), nil
}
