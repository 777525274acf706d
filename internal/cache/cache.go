// ABOUTME: Expiring resource cache for auth statuses, tool sets, and client handles.
// ABOUTME: Lazy TTL expiry with cascading invalidation; client handles live until disposed.

package cache

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// statusEntry holds a cached auth status and its creation time.
type statusEntry struct {
	val Status
	at  time.Time
}

// toolSetEntry holds a cached tool-set snapshot and its creation time.
type toolSetEntry struct {
	val ToolSet
	at  time.Time
}

// fresh reports whether an entry created at 'at' is still valid at 'now'.
// Stale entries are treated as absent on the next read.
func fresh(at, now time.Time, ttl time.Duration) bool {
	return now.Sub(at) < ttl
}

// Cache mediates access to three resource kinds keyed by caller-supplied
// strings: auth statuses and tool sets expire after a TTL, client handles
// persist until explicitly disposed. Population runs outside the cache lock,
// so concurrent misses for the same key may fetch twice; for statuses and
// tool sets the later write wins, while a redundant client handle is disposed
// in favor of the one already stored. Fetch failures are never cached.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	statuses map[string]statusEntry
	toolsets map[string]toolSetEntry
	clients  map[string]Client
	derived  map[string]map[string]struct{} // user key -> derived client/tool keys
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Used by tests to simulate expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used to report disposal failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache whose auth-status and tool-set entries expire after ttl.
// There is no background sweeper; staleness is checked at access time.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default(),
		statuses: make(map[string]statusEntry),
		toolsets: make(map[string]toolSetEntry),
		clients:  make(map[string]Client),
		derived:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusFetch populates an auth-status entry on a cache miss.
type StatusFetch func(ctx context.Context) (Status, error)

// ToolSetFetch populates a tool-set entry on a cache miss.
type ToolSetFetch func(ctx context.Context) (ToolSet, error)

// ClientFetch establishes a client handle on a cache miss.
type ClientFetch func(ctx context.Context) (Client, error)

// GetStatus returns the cached auth status for userKey, fetching and storing
// a new one when the entry is absent or past its TTL. A fetch error is
// returned to the caller and leaves the slot empty, so the next call retries.
func (c *Cache) GetStatus(ctx context.Context, userKey string, fetch StatusFetch) (Status, error) {
	c.mu.Lock()
	if e, ok := c.statuses[userKey]; ok && fresh(e.at, c.now(), c.ttl) {
		c.mu.Unlock()
		return e.val, nil
	}
	c.mu.Unlock()

	val, err := fetch(ctx)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	c.statuses[userKey] = statusEntry{val: val, at: c.now()}
	c.mu.Unlock()
	return val, nil
}

// GetToolSet returns the cached tool set for (userKey, connState), fetching
// on miss or expiry. The returned map is a copy; mutating it does not affect
// the cached snapshot.
func (c *Cache) GetToolSet(ctx context.Context, userKey, connState string, fetch ToolSetFetch) (ToolSet, error) {
	key := Key(userKey, connState)

	c.mu.Lock()
	if e, ok := c.toolsets[key]; ok && fresh(e.at, c.now(), c.ttl) {
		c.mu.Unlock()
		return maps.Clone(e.val), nil
	}
	c.mu.Unlock()

	val, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.toolsets[key] = toolSetEntry{val: maps.Clone(val), at: c.now()}
	c.link(userKey, key)
	c.mu.Unlock()
	return val, nil
}

// GetClient returns the cached client handle for (userKey, connState),
// establishing a new one on miss. Handles are exempt from TTL expiry; they
// remain valid until invalidated, because re-creating one is expensive and
// their liveness is not time-bounded.
func (c *Cache) GetClient(ctx context.Context, userKey, connState string, fetch ClientFetch) (Client, error) {
	key := Key(userKey, connState)

	c.mu.Lock()
	if client, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	client, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.clients[key]; ok {
		// A concurrent miss already filled the slot. The cache owns disposal,
		// so the redundant handle must not leak its remote session.
		c.mu.Unlock()
		c.dispose(ctx, key, client)
		return existing, nil
	}
	c.clients[key] = client
	c.link(userKey, key)
	c.mu.Unlock()
	return client, nil
}

// link records that a derived key belongs to userKey. Must hold mu.
func (c *Cache) link(userKey, key string) {
	set, ok := c.derived[userKey]
	if !ok {
		set = make(map[string]struct{})
		c.derived[userKey] = set
	}
	set[key] = struct{}{}
}

// InvalidateStatus drops the auth-status entry for userKey and cascades to
// every client handle and tool set derived from the old auth state. A key
// with no entries is a no-op.
func (c *Cache) InvalidateStatus(ctx context.Context, userKey string) {
	c.mu.Lock()
	delete(c.statuses, userKey)

	var doomed []Client
	for key := range c.derived[userKey] {
		if client, ok := c.clients[key]; ok {
			doomed = append(doomed, client)
		}
		delete(c.clients, key)
		delete(c.toolsets, key)
	}
	delete(c.derived, userKey)
	c.mu.Unlock()

	for _, client := range doomed {
		c.dispose(ctx, userKey, client)
	}
}

// InvalidateClient disposes the client handle for (userKey, connState) and
// drops the tool set for the same key; a tool set is meaningless without its
// backing handle. Disposing an absent or already-disposed handle is a no-op.
func (c *Cache) InvalidateClient(ctx context.Context, userKey, connState string) {
	key := Key(userKey, connState)

	c.mu.Lock()
	client, ok := c.clients[key]
	delete(c.clients, key)
	delete(c.toolsets, key)
	if set := c.derived[userKey]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.derived, userKey)
		}
	}
	c.mu.Unlock()

	if ok {
		c.dispose(ctx, userKey, client)
	}
}

// InvalidateAll disposes every client handle and clears all three maps.
// Called on graceful shutdown. Disposal is best-effort: a failure is logged
// and does not stop the sweep.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	doomed := make(map[string]Client, len(c.clients))
	maps.Copy(doomed, c.clients)
	c.statuses = make(map[string]statusEntry)
	c.toolsets = make(map[string]toolSetEntry)
	c.clients = make(map[string]Client)
	c.derived = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for key, client := range doomed {
		c.dispose(ctx, key, client)
	}
}

// dispose closes a client handle. Failures are reported, never propagated:
// the entry is already gone and disposal is cleanup, not a correctness path.
func (c *Cache) dispose(ctx context.Context, key string, client Client) {
	if err := client.Dispose(ctx); err != nil {
		c.logger.Warn("client disposal failed", "key", key, "error", err)
	}
}
