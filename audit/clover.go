package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

const defaultCloverCollection = "audit_log"

type CloverStoreConfig struct {
	Path       string `json:"path" yaml:"path"`
	Collection string `json:"collection" yaml:"collection"`
}

// CloverStore persists the audit trail in an embedded CloverDB
// document database. An empty path keeps everything in memory.
type CloverStore struct {
	db         *clover.DB
	collection string
	logger     types.Logger
	state      atomic.Value
}

func NewCloverStore(ctx context.Context, logger types.Logger, config *types.AuditConfig) (types.AuditManager, error) {
	storeConfig := &CloverStoreConfig{
		Collection: defaultCloverCollection,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, storeConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	if storeConfig.Collection == "" {
		storeConfig.Collection = defaultCloverCollection
	}

	db, err := clover.Open(storeConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	store := &CloverStore{
		db:         db,
		collection: storeConfig.Collection,
		logger:     logger,
	}

	store.state.Store(StateStopped)

	exists, err := db.HasCollection(storeConfig.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := db.CreateCollection(storeConfig.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	return store, nil
}

func (c *CloverStore) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Clover audit store started", zap.String("collection", c.collection))
	return nil
}

func (c *CloverStore) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("Clover audit store stopped gracefully")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverStore) Record(ctx context.Context, entry *types.AuditEntry) error {
	if !c.IsRunning() {
		return types.ErrAuditStoreNotReady
	}

	if err := validateEntry(entry); err != nil {
		return err
	}

	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	doc := clover.NewDocument()
	doc.Set("entry_id", id)
	doc.Set("actor", entry.Actor)
	doc.Set("action", entry.Action)
	doc.Set("resource", entry.Resource)
	doc.Set("record_id", entry.RecordID)
	doc.Set("payload", entry.Payload)
	doc.Set("created_at", createdAt.UnixNano())

	if len(entry.Metadata) > 0 {
		metadata := make(map[string]interface{}, len(entry.Metadata))
		for k, v := range entry.Metadata {
			metadata[k] = v
		}
		doc.Set("metadata", metadata)
	}

	if err := c.db.Insert(c.collection, doc); err != nil {
		return types.Errorf(types.ErrAuditStoreFailed, "insert: %v", err)
	}

	return nil
}

func (c *CloverStore) Query(ctx context.Context, filter *types.AuditFilter) ([]*types.AuditEntry, error) {
	if !c.IsRunning() {
		return nil, types.ErrAuditStoreNotReady
	}

	query := c.applyFilter(c.db.Query(c.collection), filter)
	query = query.Sort(clover.SortOption{Field: "created_at", Direction: -1})

	if filter != nil {
		if filter.Offset > 0 {
			query = query.Skip(filter.Offset)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	docs, err := query.FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrAuditStoreFailed, "query: %v", err)
	}

	entries := make([]*types.AuditEntry, 0, len(docs))
	for _, doc := range docs {
		entry, err := documentToEntry(doc)
		if err != nil {
			c.logger.Warn("Skipping malformed audit document", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (c *CloverStore) Count(ctx context.Context, filter *types.AuditFilter) (int64, error) {
	if !c.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	count, err := c.applyFilter(c.db.Query(c.collection), filter).Count()
	if err != nil {
		return 0, types.Errorf(types.ErrAuditStoreFailed, "count: %v", err)
	}

	return int64(count), nil
}

func (c *CloverStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if !c.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	query := c.db.Query(c.collection).Where(clover.Field("created_at").Lt(olderThan.UnixNano()))

	count, err := query.Count()
	if err != nil {
		return 0, types.Errorf(types.ErrAuditStoreFailed, "count: %v", err)
	}

	if count == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, types.Errorf(types.ErrAuditStoreFailed, "purge: %v", err)
	}

	return int64(count), nil
}

func (c *CloverStore) applyFilter(query *clover.Query, filter *types.AuditFilter) *clover.Query {
	if filter == nil {
		return query
	}

	if filter.Actor != "" {
		query = query.Where(clover.Field("actor").Eq(filter.Actor))
	}
	if filter.Action != "" {
		query = query.Where(clover.Field("action").Eq(filter.Action))
	}
	if filter.Resource != "" {
		query = query.Where(clover.Field("resource").Eq(filter.Resource))
	}
	if !filter.From.IsZero() {
		query = query.Where(clover.Field("created_at").GtEq(filter.From.UnixNano()))
	}
	if !filter.To.IsZero() {
		query = query.Where(clover.Field("created_at").LtEq(filter.To.UnixNano()))
	}

	return query
}

func documentToEntry(doc *clover.Document) (*types.AuditEntry, error) {
	raw := make(map[string]interface{})
	if err := doc.Unmarshal(&raw); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal document")
	}

	entry := &types.AuditEntry{
		ID:       stringField(raw, "entry_id"),
		Actor:    stringField(raw, "actor"),
		Action:   stringField(raw, "action"),
		Resource: stringField(raw, "resource"),
		RecordID: stringField(raw, "record_id"),
		Payload:  stringField(raw, "payload"),
	}

	if nanos, ok := int64Field(raw, "created_at"); ok {
		entry.CreatedAt = time.Unix(0, nanos)
	}

	if metadata, ok := raw["metadata"].(map[string]interface{}); ok {
		entry.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			if s, ok := v.(string); ok {
				entry.Metadata[k] = s
			}
		}
	}

	return entry, nil
}

func stringField(raw map[string]interface{}, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func int64Field(raw map[string]interface{}, key string) (int64, bool) {
	switch v := raw[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (c *CloverStore) getState() State {
	return c.state.Load().(State)
}

func (c *CloverStore) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverStore) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
