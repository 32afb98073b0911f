package rentsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Snapshot cache
// ============================================================================

const (
	DefaultItemsCacheKey = "pinjamaja_items_cache"
	DefaultCacheEntries  = 30
	DefaultCacheMaxAge   = 5 * time.Minute

	timestampSuffix = "_time"
)

// CacheBackend stores raw bytes under string keys. A missing key is reported
// as (nil, false, nil). Writes that run out of space return an error
// wrapping ErrQuotaExceeded.
type CacheBackend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// CacheOption configures a SnapshotCache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	clock   clockwork.Clock
	log     logrus.FieldLogger
	metrics *Metrics
}

func WithCacheClock(clock clockwork.Clock) CacheOption {
	return func(c *cacheConfig) { c.clock = clock }
}

func WithCacheLogger(log logrus.FieldLogger) CacheOption {
	return func(c *cacheConfig) { c.log = log }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *cacheConfig) { c.metrics = m }
}

// SnapshotCache keeps a bounded, timestamped JSON array per key. It never
// returns errors: storage failures degrade to cache misses.
type SnapshotCache[T any] struct {
	backend CacheBackend
	cfg     cacheConfig
}

// NewSnapshotCache creates a cache on top of backend.
func NewSnapshotCache[T any](backend CacheBackend, opts ...CacheOption) *SnapshotCache[T] {
	cfg := cacheConfig{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = discardLogger()
	}
	return &SnapshotCache[T]{backend: backend, cfg: cfg}
}

// Put stores the first maxEntries values (callers pass them most recent
// first) together with the write time. On any storage failure, including
// an exceeded quota, both entries are removed and Put returns false.
func (c *SnapshotCache[T]) Put(key string, values []T, maxEntries int) bool {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if len(values) > maxEntries {
		values = values[:maxEntries]
	}
	if values == nil {
		values = []T{}
	}

	data, err := json.Marshal(values)
	if err != nil {
		c.cfg.log.WithError(err).WithField("key", key).Warn("cache encode failed")
		c.cfg.metrics.cacheWriteFailed()
		return false
	}

	stamp := strconv.FormatInt(c.cfg.clock.Now().UnixMilli(), 10)
	if err := c.backend.Set(key, data); err != nil {
		c.writeFailed(key, err)
		return false
	}
	if err := c.backend.Set(key+timestampSuffix, []byte(stamp)); err != nil {
		c.writeFailed(key, err)
		return false
	}
	return true
}

func (c *SnapshotCache[T]) writeFailed(key string, err error) {
	entry := c.cfg.log.WithError(err).WithField("key", key)
	if errors.Is(err, ErrQuotaExceeded) {
		entry.Warn("cache quota exceeded, clearing slot")
	} else {
		entry.Warn("cache write failed, clearing slot")
	}
	c.cfg.metrics.cacheWriteFailed()
	c.Clear(key)
}

// Get returns the stored values when they are at most maxAge old. Expired,
// unreadable or partial entries are evicted and reported as a miss.
func (c *SnapshotCache[T]) Get(key string, maxAge time.Duration) ([]T, bool) {
	values, ok := c.get(key, maxAge)
	c.cfg.metrics.cacheLookup(ok)
	return values, ok
}

func (c *SnapshotCache[T]) get(key string, maxAge time.Duration) ([]T, bool) {
	data, ok, err := c.backend.Get(key)
	if err != nil {
		c.cfg.log.WithError(err).WithField("key", key).Warn("cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	rawStamp, ok, err := c.backend.Get(key + timestampSuffix)
	if err != nil || !ok {
		c.Clear(key)
		return nil, false
	}
	written, err := strconv.ParseInt(string(rawStamp), 10, 64)
	if err != nil {
		c.Clear(key)
		return nil, false
	}

	age := c.cfg.clock.Now().UnixMilli() - written
	if age > maxAge.Milliseconds() {
		c.Clear(key)
		return nil, false
	}

	var values []T
	if err := json.Unmarshal(data, &values); err != nil {
		c.cfg.log.WithError(err).WithField("key", key).Warn("cache entry corrupt")
		c.Clear(key)
		return nil, false
	}
	return values, true
}

// Clear removes the value and its timestamp.
func (c *SnapshotCache[T]) Clear(key string) {
	for _, k := range []string{key, key + timestampSuffix} {
		if err := c.backend.Delete(k); err != nil {
			c.cfg.log.WithError(err).WithField("key", k).Warn("cache delete failed")
		}
	}
}

// ============================================================================
// Memory backend
// ============================================================================

// MemoryCacheBackend keeps entries in process. A positive quota bounds the
// total stored bytes.
type MemoryCacheBackend struct {
	mu    sync.RWMutex
	data  map[string][]byte
	size  int
	quota int
}

func NewMemoryCacheBackend(quota int) *MemoryCacheBackend {
	return &MemoryCacheBackend{data: make(map[string][]byte), quota: quota}
}

func (b *MemoryCacheBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryCacheBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.size - len(b.data[key]) + len(value)
	if b.quota > 0 && next > b.quota {
		return fmt.Errorf("set %q (%d bytes): %w", key, len(value), ErrQuotaExceeded)
	}
	b.data[key] = append([]byte(nil), value...)
	b.size = next
	return nil
}

func (b *MemoryCacheBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size -= len(b.data[key])
	delete(b.data, key)
	return nil
}

// Len returns the number of stored keys.
func (b *MemoryCacheBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// ============================================================================
// File backend
// ============================================================================

// FileCacheBackend stores one file per key under a directory.
type FileCacheBackend struct {
	dir string
}

// NewFileCacheBackend creates dir if needed.
func NewFileCacheBackend(dir string) (*FileCacheBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileCacheBackend{dir: dir}, nil
}

func (b *FileCacheBackend) path(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key))
}

func (b *FileCacheBackend) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileCacheBackend) Set(key string, value []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return quotaErr(err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return quotaErr(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return quotaErr(err)
	}
	if err := os.Rename(tmp.Name(), b.path(key)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (b *FileCacheBackend) Delete(key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func quotaErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
