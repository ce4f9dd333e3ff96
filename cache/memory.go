package cache

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour

	// evictionFraction is the share of entries removed, oldest first by
	// insertion time, when Set finds the cache full. Eviction is by
	// insertion order, not access order.
	evictionFraction = 0.10
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryCache is an in-process cache with revision-based dependency
// invalidation. Entry keys built through BuildCacheKey embed the current
// revision of each dependency, so bumping a revision orphans every key
// derived from the old one.
type MemoryCache struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *MemoryConfig
	logger types.Logger

	mu        sync.RWMutex
	data      map[string]*types.CacheEntry
	entryDeps map[string][]string

	revMu     sync.RWMutex
	revisions map[string]uint64

	depMu        sync.RWMutex
	dependencies map[string][]string

	hits      uint64
	misses    uint64
	evictions uint64

	running     atomic.Bool
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	return &MemoryCache{
		ctx:          cacheCtx,
		cancel:       cancel,
		logger:       logger,
		config:       memConfig,
		data:         make(map[string]*types.CacheEntry),
		revisions:    make(map[string]uint64),
		dependencies: make(map[string][]string),
		entryDeps:    make(map[string][]string),
		stopCleanup:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}, nil
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if m.expired(entry, now) {
		m.mu.RUnlock()
		m.mu.Lock()
		if entry, exists := m.data[key]; exists && m.expired(entry, now) {
			m.removeEntryUnsafe(key)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)

	return value, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOldestUnsafe()
		}
	}

	if _, exists := m.data[key]; exists {
		m.removeDependenciesUnsafe(key)
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeEntryUnsafe(key)
	return nil
}

// Invalidate bumps the revision of each dependency key and drops every
// cached entry registered against it. Entries keyed through BuildCacheKey
// embed the revision, so even a stale reader rebuilding the key misses.
func (m *MemoryCache) Invalidate(keys ...string) error {
	for _, key := range keys {
		m.SetRevision(key, m.GetRevision(key)+1)

		if err := m.invalidateDependents(key); err != nil {
			return err
		}
	}

	return nil
}

// InvalidatePattern removes every entry whose key matches the regular
// expression. An empty pattern clears the whole cache.
func (m *MemoryCache) InvalidatePattern(pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pattern == "" {
		removed := len(m.data)
		m.data = make(map[string]*types.CacheEntry)
		m.entryDeps = make(map[string][]string)

		m.depMu.Lock()
		m.dependencies = make(map[string][]string)
		m.depMu.Unlock()

		return removed, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, types.Errorf(types.ErrCachePatternInvalid, "pattern: %s", pattern)
	}

	removed := 0
	for key := range m.data {
		if re.MatchString(key) {
			m.removeEntryUnsafe(key)
			removed++
		}
	}

	return removed, nil
}

func (m *MemoryCache) GetRevision(key string) uint64 {
	m.revMu.RLock()
	defer m.revMu.RUnlock()
	return m.revisions[key]
}

func (m *MemoryCache) SetRevision(key string, revision uint64) {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	m.revisions[key] = revision
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// BuildCacheKey joins the request path with each dependency and its current
// revision, then the metadata pairs. The built key is registered as a
// dependent of every dependency so Invalidate can drop it later.
func (m *MemoryCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	var b strings.Builder
	b.Grow(len(requestPath) + len(dependencies)*20 + len(metadata)*30)
	b.WriteString(requestPath)

	for _, dep := range dependencies {
		b.WriteByte('|')
		b.WriteString(dep)
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(m.GetRevision(dep), 10))
	}

	for key, value := range metadata {
		b.WriteByte('|')
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(value)
	}

	cacheKey := b.String()
	m.registerDependencies(cacheKey, dependencies)

	return cacheKey
}

func (m *MemoryCache) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrServerAlreadyRunning
	}

	if m.config.CleanupInterval != "" {
		go m.startCleanupRoutine()
	} else {
		close(m.cleanupDone)
	}

	m.logger.Info("Memory cache started",
		zap.Int("max_entries", m.config.MaxEntries))
	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		m.logger.Warn("Memory cache is not running")
		return types.ErrServerNotRunning
	}

	m.cancel()

	select {
	case m.stopCleanup <- struct{}{}:
	default:
	}

	select {
	case <-m.cleanupDone:
	case <-time.After(10 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.mu.Lock()
	entriesCount := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.entryDeps = make(map[string][]string)
	m.mu.Unlock()

	m.revMu.Lock()
	m.revisions = make(map[string]uint64)
	m.revMu.Unlock()

	m.depMu.Lock()
	m.dependencies = make(map[string][]string)
	m.depMu.Unlock()

	m.logger.Info("Memory cache stopped",
		zap.Int("cleared_entries", entriesCount))

	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.running.Load()
}

// Sweep removes every expired entry immediately and reports how many were
// dropped. The cron maintenance job calls this in addition to the internal
// interval cleanup.
func (m *MemoryCache) Sweep() int {
	return m.cleanup()
}

func (m *MemoryCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&m.hits), atomic.LoadUint64(&m.misses), atomic.LoadUint64(&m.evictions)
}

func (m *MemoryCache) expired(entry *types.CacheEntry, now time.Time) bool {
	return !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt)
}

func (m *MemoryCache) cleanup() int {
	now := time.Now()

	m.mu.Lock()

	expired := make([]string, 0, 16)
	for key, entry := range m.data {
		if m.expired(entry, now) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		m.removeEntryUnsafe(key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Cleanup completed", zap.Int("expired_entries", len(expired)))
	}

	return len(expired)
}

func (m *MemoryCache) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// evictOldestUnsafe removes the oldest tenth of the cache by insertion
// time, at least one entry. Caller holds m.mu.
func (m *MemoryCache) evictOldestUnsafe() {
	if len(m.data) == 0 {
		return
	}

	type aged struct {
		key       string
		createdAt time.Time
	}

	entries := make([]aged, 0, len(m.data))
	for key, entry := range m.data {
		entries = append(entries, aged{key: key, createdAt: entry.CreatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	victims := int(float64(len(entries)) * evictionFraction)
	if victims < 1 {
		victims = 1
	}

	for i := 0; i < victims; i++ {
		m.removeEntryUnsafe(entries[i].key)
		atomic.AddUint64(&m.evictions, 1)
	}
}

func (m *MemoryCache) invalidateDependents(dependencyKey string) error {
	m.depMu.RLock()
	dependentKeys := make([]string, len(m.dependencies[dependencyKey]))
	copy(dependentKeys, m.dependencies[dependencyKey])
	m.depMu.RUnlock()

	if len(dependentKeys) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, cacheKey := range dependentKeys {
		m.removeEntryUnsafe(cacheKey)
	}
	m.mu.Unlock()

	m.depMu.Lock()
	delete(m.dependencies, dependencyKey)
	m.depMu.Unlock()

	return nil
}

func (m *MemoryCache) registerDependencies(cacheKey string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	for _, dep := range dependencies {
		found := false
		for _, existing := range m.dependencies[dep] {
			if existing == cacheKey {
				found = true
				break
			}
		}

		if !found {
			m.dependencies[dep] = append(m.dependencies[dep], cacheKey)
		}
	}
	m.depMu.Unlock()

	m.mu.Lock()
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	m.entryDeps[cacheKey] = deps
	m.mu.Unlock()
}

// removeDependenciesUnsafe unlinks a cache key from the dependency index.
// Caller holds m.mu.
func (m *MemoryCache) removeDependenciesUnsafe(cacheKey string) {
	dependencies := m.entryDeps[cacheKey]
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	defer m.depMu.Unlock()

	for _, dep := range dependencies {
		if dependents, exists := m.dependencies[dep]; exists {
			for i, dependent := range dependents {
				if dependent == cacheKey {
					m.dependencies[dep] = append(dependents[:i], dependents[i+1:]...)
					break
				}
			}

			if len(m.dependencies[dep]) == 0 {
				delete(m.dependencies, dep)
			}
		}
	}

	delete(m.entryDeps, cacheKey)
}

func (m *MemoryCache) removeEntryUnsafe(key string) {
	m.removeDependenciesUnsafe(key)
	delete(m.data, key)
}
