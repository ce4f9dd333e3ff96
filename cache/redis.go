package cache

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	MaxDependencies    int           `json:"max_dependencies"`
}

// RedisCache shares cached values between gateway instances. Revision
// counters live in redis too, so an invalidation on one instance changes
// the keys every instance builds. The dependency index stays local; it
// only accelerates invalidation of keys this instance produced.
type RedisCache struct {
	ctx    context.Context
	logger types.Logger
	config *RedisConfig
	client *redis.Client

	revMu     sync.RWMutex
	revisions map[string]uint64

	depMu        sync.RWMutex
	dependencies map[string][]string

	running    atomic.Bool
	shutdownCh chan struct{}
}

func NewRedisCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "lumonew",
		MaxDependencies:    10000,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	cache := &RedisCache{
		ctx:          ctx,
		logger:       logger,
		config:       redisConfig,
		revisions:    make(map[string]uint64),
		dependencies: make(map[string][]string),
		shutdownCh:   make(chan struct{}),
	}

	addr := fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port)
	cache.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	if err := cache.ping(); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return cache, nil
}

func (r *RedisCache) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	fullKey := r.buildFullKey(key)

	result, err := r.client.Get(r.ctx, fullKey).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Error("Failed to get cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Error("Failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, fullKey)
		return nil, false
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		if err := r.Delete(key); err != nil {
			r.logger.Error("Failed to delete expired cache key", zap.Error(err))
		}
		return nil, false
	}

	return entry.Value, true
}

func (r *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
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

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := r.client.Set(r.ctx, r.buildFullKey(key), data, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}

	return nil
}

func (r *RedisCache) Delete(key string) error {
	if key == "" {
		return nil
	}

	if err := r.client.Del(r.ctx, r.buildFullKey(key)).Err(); err != nil {
		r.logger.Error("Failed to delete cache key", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to delete cache key")
	}

	r.unlinkDependents(key)

	return nil
}

func (r *RedisCache) Invalidate(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	var errs []string
	for _, key := range keys {
		if key == "" {
			continue
		}

		r.SetRevision(key, r.GetRevision(key)+1)

		if err := r.invalidateDependents(key); err != nil {
			r.logger.Error("Failed to invalidate dependents", zap.String("key", key), zap.Error(err))
			errs = append(errs, fmt.Sprintf("key %s: %v", key, err))
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("invalidation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r *RedisCache) InvalidatePattern(pattern string) (int, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return 0, types.Errorf(types.ErrCachePatternInvalid, "pattern: %s", pattern)
		}
	}

	prefix := ""
	if r.config.KeyPrefix != "" {
		prefix = r.config.KeyPrefix + ":"
	}

	removed := 0
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(r.ctx) {
		fullKey := iter.Val()
		key := strings.TrimPrefix(fullKey, prefix)

		if re != nil && !re.MatchString(key) {
			continue
		}

		if err := r.client.Del(r.ctx, fullKey).Err(); err != nil {
			r.logger.Warn("Failed to delete key during pattern invalidation",
				zap.String("key", key), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, types.WrapError(err, "scan failed during pattern invalidation")
	}

	return removed, nil
}

func (r *RedisCache) GetRevision(key string) uint64 {
	if key == "" {
		return 0
	}

	r.revMu.RLock()
	if revision, exists := r.revisions[key]; exists {
		r.revMu.RUnlock()
		return revision
	}
	r.revMu.RUnlock()

	result, err := r.client.Get(r.ctx, r.buildRevisionKey(key)).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Warn("Failed to get revision from redis",
				zap.String("key", key), zap.Error(err))
		}
		return 0
	}

	revision, err := strconv.ParseUint(result, 10, 64)
	if err != nil {
		r.logger.Error("Failed to parse revision",
			zap.String("key", key), zap.Error(err))
		return 0
	}

	r.revMu.Lock()
	if existing, exists := r.revisions[key]; !exists || revision > existing {
		r.revisions[key] = revision
	} else {
		revision = existing
	}
	r.revMu.Unlock()

	return revision
}

func (r *RedisCache) SetRevision(key string, revision uint64) {
	if key == "" {
		return
	}

	if err := r.client.Set(r.ctx, r.buildRevisionKey(key), revision, 0).Err(); err != nil {
		r.logger.Error("Failed to set revision in redis",
			zap.String("key", key), zap.Uint64("revision", revision), zap.Error(err))
	}

	r.revMu.Lock()
	r.revisions[key] = revision
	r.revMu.Unlock()
}

func (r *RedisCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	if requestPath == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(requestPath)

	for _, dep := range dependencies {
		if dep == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(dep)
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(r.GetRevision(dep), 10))
	}

	for key, value := range metadata {
		if key == "" || value == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(value)
	}

	cacheKey := b.String()
	r.registerDependencies(cacheKey, dependencies)

	return cacheKey
}

func (r *RedisCache) Len() int {
	prefix := ""
	if r.config.KeyPrefix != "" {
		prefix = r.config.KeyPrefix + ":"
	}

	count := 0
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(r.ctx) {
		count++
	}

	return count
}

func (r *RedisCache) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	go r.dependencyJanitor()

	r.logger.Info("Redis cache started",
		zap.String("key_prefix", r.config.KeyPrefix))

	return nil
}

func (r *RedisCache) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	close(r.shutdownCh)

	if r.client != nil {
		if err := r.client.Close(); err != nil {
			r.logger.Error("Failed to close redis client", zap.Error(err))
			return types.WrapError(err, "failed to close redis client")
		}
	}

	r.logger.Info("Redis cache stopped")
	return nil
}

func (r *RedisCache) IsRunning() bool {
	return r.running.Load()
}

func (r *RedisCache) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}

func (r *RedisCache) buildRevisionKey(key string) string {
	return r.buildFullKey("rev:" + key)
}

func (r *RedisCache) invalidateDependents(key string) error {
	r.depMu.RLock()
	dependents := r.dependencies[key]
	if len(dependents) == 0 {
		r.depMu.RUnlock()
		return nil
	}

	dependentsCopy := make([]string, len(dependents))
	copy(dependentsCopy, dependents)
	r.depMu.RUnlock()

	var errs []string
	for _, dependent := range dependentsCopy {
		if err := r.Delete(dependent); err != nil {
			errs = append(errs, fmt.Sprintf("dependent %s: %v", dependent, err))
		}
	}

	r.depMu.Lock()
	delete(r.dependencies, key)
	r.depMu.Unlock()

	if len(errs) > 0 {
		return types.NewErrorf("dependent invalidation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r *RedisCache) registerDependencies(cacheKey string, dependencies []string) {
	if cacheKey == "" || len(dependencies) == 0 {
		return
	}

	r.depMu.Lock()
	defer r.depMu.Unlock()

	if len(r.dependencies) >= r.config.MaxDependencies {
		// Index full; drop an arbitrary fifth. Entries lose fast-path
		// invalidation but revision bumps still make their keys stale.
		target := r.config.MaxDependencies * 4 / 5
		for dep := range r.dependencies {
			if len(r.dependencies) <= target {
				break
			}
			delete(r.dependencies, dep)
		}
	}

	for _, dep := range dependencies {
		if dep == "" {
			continue
		}

		found := false
		for _, existing := range r.dependencies[dep] {
			if existing == cacheKey {
				found = true
				break
			}
		}

		if !found {
			r.dependencies[dep] = append(r.dependencies[dep], cacheKey)
		}
	}
}

func (r *RedisCache) unlinkDependents(cacheKey string) {
	if cacheKey == "" {
		return
	}

	r.depMu.Lock()
	defer r.depMu.Unlock()

	for dep, dependents := range r.dependencies {
		kept := dependents[:0]
		for _, dependent := range dependents {
			if dependent != cacheKey {
				kept = append(kept, dependent)
			}
		}

		if len(kept) == 0 {
			delete(r.dependencies, dep)
		} else {
			r.dependencies[dep] = kept
		}
	}
}

// dependencyJanitor drops index entries whose cached keys no longer exist
// in redis. Runs hourly; safe to lose, the index is advisory.
func (r *RedisCache) dependencyJanitor() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pruneDeadDependents()
		case <-r.shutdownCh:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *RedisCache) pruneDeadDependents() {
	r.depMu.RLock()
	snapshot := make(map[string][]string, len(r.dependencies))
	for dep, dependents := range r.dependencies {
		copied := make([]string, len(dependents))
		copy(copied, dependents)
		snapshot[dep] = copied
	}
	r.depMu.RUnlock()

	dead := make(map[string]bool)
	for _, dependents := range snapshot {
		for _, dependent := range dependents {
			if _, checked := dead[dependent]; checked {
				continue
			}

			ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
			exists, err := r.client.Exists(ctx, r.buildFullKey(dependent)).Result()
			cancel()

			if err != nil {
				continue
			}
			dead[dependent] = exists == 0
		}
	}

	pruned := 0
	r.depMu.Lock()
	for dep, dependents := range r.dependencies {
		kept := dependents[:0]
		for _, dependent := range dependents {
			if dead[dependent] {
				pruned++
				continue
			}
			kept = append(kept, dependent)
		}

		if len(kept) == 0 {
			delete(r.dependencies, dep)
		} else {
			r.dependencies[dep] = kept
		}
	}
	r.depMu.Unlock()

	if pruned > 0 {
		r.logger.Debug("Pruned dead cache dependents", zap.Int("pruned", pruned))
	}
}
