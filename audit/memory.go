package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

const defaultMemoryMaxEntries = 10000

type MemoryStoreConfig struct {
	MaxEntries int `json:"max_entries" yaml:"max_entries"`
}

// MemoryStore keeps the audit trail in process memory. Entries beyond
// MaxEntries are discarded oldest first.
type MemoryStore struct {
	entries    []*types.AuditEntry
	maxEntries int
	mutex      sync.RWMutex
	logger     types.Logger
	state      atomic.Value
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.AuditConfig) (types.AuditManager, error) {
	storeConfig := &MemoryStoreConfig{
		MaxEntries: defaultMemoryMaxEntries,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, storeConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	if storeConfig.MaxEntries <= 0 {
		storeConfig.MaxEntries = defaultMemoryMaxEntries
	}

	store := &MemoryStore{
		entries:    make([]*types.AuditEntry, 0, 256),
		maxEntries: storeConfig.MaxEntries,
		logger:     logger,
	}

	store.state.Store(StateStopped)
	return store, nil
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.logger.Info("Memory audit store started", zap.Int("max_entries", m.maxEntries))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.mutex.Lock()
	m.entries = nil
	m.mutex.Unlock()

	m.logger.Info("Memory audit store stopped gracefully")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryStore) Record(ctx context.Context, entry *types.AuditEntry) error {
	if !m.IsRunning() {
		return types.ErrAuditStoreNotReady
	}

	if err := validateEntry(entry); err != nil {
		return err
	}

	stored := cloneEntry(entry)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.entries = append(m.entries, stored)
	if len(m.entries) > m.maxEntries {
		overflow := len(m.entries) - m.maxEntries
		m.entries = append(m.entries[:0:0], m.entries[overflow:]...)
	}

	return nil
}

func (m *MemoryStore) Query(ctx context.Context, filter *types.AuditFilter) ([]*types.AuditEntry, error) {
	if !m.IsRunning() {
		return nil, types.ErrAuditStoreNotReady
	}

	m.mutex.RLock()
	matched := make([]*types.AuditEntry, 0)
	for _, entry := range m.entries {
		if matchesFilter(entry, filter) {
			matched = append(matched, cloneEntry(entry))
		}
	}
	m.mutex.RUnlock()

	// Newest entries first.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(matched) {
				return []*types.AuditEntry{}, nil
			}
			matched = matched[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(matched) {
			matched = matched[:filter.Limit]
		}
	}

	return matched, nil
}

func (m *MemoryStore) Count(ctx context.Context, filter *types.AuditFilter) (int64, error) {
	if !m.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var count int64
	for _, entry := range m.entries {
		if matchesFilter(entry, filter) {
			count++
		}
	}

	return count, nil
}

func (m *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if !m.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	kept := m.entries[:0]
	var purged int64
	for _, entry := range m.entries {
		if entry.CreatedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	m.entries = kept

	return purged, nil
}

func cloneEntry(entry *types.AuditEntry) *types.AuditEntry {
	clone := *entry
	if entry.Metadata != nil {
		clone.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func matchesFilter(entry *types.AuditEntry, filter *types.AuditFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Actor != "" && !strings.EqualFold(entry.Actor, filter.Actor) {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.Resource != "" && entry.Resource != filter.Resource {
		return false
	}
	if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.CreatedAt.After(filter.To) {
		return false
	}
	return true
}

func (m *MemoryStore) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryStore) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
