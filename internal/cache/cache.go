package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
)

// Category selects the TTL and retention applied to an entry.
type Category string

const (
	CategoryPrice        Category = "price"
	CategorySentiment    Category = "sentiment"
	CategoryNotification Category = "notification"
)

// Config holds per-category freshness and retention.
type Config struct {
	PriceTTL              time.Duration
	SentimentTTL          time.Duration
	PriceMaxStale         time.Duration
	SentimentMaxStale     time.Duration
	NotificationRetention time.Duration
}

// DefaultConfig returns price 5m / sentiment 1h freshness.
func DefaultConfig() Config {
	return Config{
		PriceTTL:              5 * time.Minute,
		SentimentTTL:          time.Hour,
		PriceMaxStale:         30 * time.Minute,
		SentimentMaxStale:     6 * time.Hour,
		NotificationRetention: 24 * time.Hour,
	}
}

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// durable is the value written to the KV store; it carries the TTL so an
// explicit override survives a restart.
type durable struct {
	TTL   time.Duration `msgpack:"ttl"`
	Value []byte        `msgpack:"v"`
}

// keyLock serializes writers of one key. It is dropped from the map once
// no goroutine holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Cache is an in-memory TTL store with lazy expiry and an optional
// durable write-through backing.
type Cache struct {
	mu   sync.RWMutex
	data map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*keyLock

	cfg Config
	kv  interfaces.KVStore
	now func() time.Time
}

type Option func(*Cache)

// WithStore enables write-through to a durable KV store.
func WithStore(kv interfaces.KVStore) Option {
	return func(c *Cache) { c.kv = kv }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = def.PriceTTL
	}
	if cfg.SentimentTTL <= 0 {
		cfg.SentimentTTL = def.SentimentTTL
	}
	if cfg.PriceMaxStale < cfg.PriceTTL {
		cfg.PriceMaxStale = cfg.PriceTTL
	}
	if cfg.SentimentMaxStale < cfg.SentimentTTL {
		cfg.SentimentMaxStale = cfg.SentimentTTL
	}
	if cfg.NotificationRetention <= 0 {
		cfg.NotificationRetention = def.NotificationRetention
	}

	c := &Cache{
		data:  make(map[string]*entry),
		locks: make(map[string]*keyLock),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes a fresh entry into out and returns its age.
// Entries older than their TTL are a miss but stay available to Peek.
func (c *Cache) Get(ctx context.Context, cat Category, key string, out any) (time.Duration, bool) {
	e := c.lookup(ctx, cat, key)
	if e == nil {
		return 0, false
	}
	age := c.now().Sub(e.storedAt)
	if age > e.ttl {
		return age, false
	}
	if err := msgpack.Unmarshal(e.value, out); err != nil {
		logger.ErrorWithErr(ctx, "Cache entry decode failed", err, "category", string(cat), "key", key)
		return 0, false
	}
	return age, true
}

// Peek decodes an entry no older than maxAge regardless of its TTL.
func (c *Cache) Peek(ctx context.Context, cat Category, key string, maxAge time.Duration, out any) (time.Duration, bool) {
	e := c.lookup(ctx, cat, key)
	if e == nil {
		return 0, false
	}
	age := c.now().Sub(e.storedAt)
	if age > maxAge {
		return age, false
	}
	if err := msgpack.Unmarshal(e.value, out); err != nil {
		logger.ErrorWithErr(ctx, "Cache entry decode failed", err, "category", string(cat), "key", key)
		return 0, false
	}
	return age, true
}

// Put stores value under key. A zero ttl selects the category default.
func (c *Cache) Put(ctx context.Context, cat Category, key string, value any, ttl time.Duration) error {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s/%s: %w", cat, key, err)
	}
	if ttl <= 0 {
		ttl = c.TTL(cat)
	}
	return c.store(ctx, cat, key, b, ttl)
}

// SeenNotification reports whether dedupKey was marked within window.
func (c *Cache) SeenNotification(ctx context.Context, dedupKey string, window time.Duration) bool {
	e := c.lookup(ctx, CategoryNotification, dedupKey)
	if e == nil {
		return false
	}
	return c.now().Sub(e.storedAt) < window
}

// MarkNotification records that dedupKey was sent now.
func (c *Cache) MarkNotification(ctx context.Context, dedupKey string) error {
	return c.store(ctx, CategoryNotification, dedupKey, []byte{}, c.cfg.NotificationRetention)
}

// Sweep drops entries past their category retention and returns how many
// in-memory entries were removed.
func (c *Cache) Sweep(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	removed := 0
	for k, e := range c.data {
		if now.Sub(e.storedAt) > c.retentionFor(categoryOf(k)) {
			delete(c.data, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.kv != nil {
		n, err := c.kv.DeleteExpired(ctx, now)
		if err != nil {
			return removed, fmt.Errorf("cache sweep: %w", err)
		}
		logger.Debug(ctx, "Cache store swept", "removed", n)
	}
	return removed, nil
}

// Len returns the number of in-memory entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// TTL returns the freshness window of a category.
func (c *Cache) TTL(cat Category) time.Duration {
	switch cat {
	case CategoryPrice:
		return c.cfg.PriceTTL
	case CategorySentiment:
		return c.cfg.SentimentTTL
	default:
		return c.cfg.NotificationRetention
	}
}

// MaxStale returns how long an expired entry may still serve as a fallback.
func (c *Cache) MaxStale(cat Category) time.Duration {
	switch cat {
	case CategoryPrice:
		return c.cfg.PriceMaxStale
	case CategorySentiment:
		return c.cfg.SentimentMaxStale
	default:
		return c.cfg.NotificationRetention
	}
}

func (c *Cache) retentionFor(cat Category) time.Duration {
	return c.MaxStale(cat)
}

func (c *Cache) store(ctx context.Context, cat Category, key string, b []byte, ttl time.Duration) error {
	k := composeKey(cat, key)
	defer c.lockKey(k)()

	now := c.now()
	c.mu.Lock()
	c.data[k] = &entry{value: b, storedAt: now, ttl: ttl}
	c.mu.Unlock()

	if c.kv == nil {
		return nil
	}
	raw, err := msgpack.Marshal(durable{TTL: ttl, Value: b})
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", k, err)
	}
	expires := now.Add(c.retentionFor(cat))
	if err := c.kv.Set(ctx, k, raw, now, expires); err != nil {
		return fmt.Errorf("cache write-through %s: %w", k, err)
	}
	return nil
}

// lookup reads memory first and warms misses from the durable store.
func (c *Cache) lookup(ctx context.Context, cat Category, key string) *entry {
	k := composeKey(cat, key)
	c.mu.RLock()
	e, ok := c.data[k]
	c.mu.RUnlock()
	if ok {
		return e
	}
	if c.kv == nil {
		return nil
	}

	defer c.lockKey(k)()

	c.mu.RLock()
	e, ok = c.data[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	raw, storedAt, found, err := c.kv.Get(ctx, k)
	if err != nil {
		logger.ErrorWithErr(ctx, "Cache store read failed", err, "key", k)
		return nil
	}
	if !found || c.now().Sub(storedAt) > c.retentionFor(cat) {
		return nil
	}
	var d durable
	if err := msgpack.Unmarshal(raw, &d); err != nil {
		logger.ErrorWithErr(ctx, "Cache store entry decode failed", err, "key", k)
		return nil
	}
	if d.TTL <= 0 {
		d.TTL = c.TTL(cat)
	}
	e = &entry{value: d.Value, storedAt: storedAt, ttl: d.TTL}
	c.mu.Lock()
	c.data[k] = e
	c.mu.Unlock()
	return e
}

// lockKey locks k and returns its unlock func.
func (c *Cache) lockKey(k string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[k]
	if !ok {
		l = &keyLock{}
		c.locks[k] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, k)
		}
		c.locksMu.Unlock()
	}
}

func composeKey(cat Category, key string) string {
	return string(cat) + ":" + key
}

func categoryOf(k string) Category {
	cat, _, _ := strings.Cut(k, ":")
	return Category(cat)
}
