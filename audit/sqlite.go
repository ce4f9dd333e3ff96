package audit

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type SQLiteStoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SQLiteStore persists the audit trail in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger types.Logger
	state  atomic.Value
}

func NewSQLiteStore(ctx context.Context, logger types.Logger, config *types.AuditConfig) (types.AuditManager, error) {
	storeConfig := &SQLiteStoreConfig{
		Path: "./audit.db",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, storeConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite store config")
		}
	}

	db, err := sql.Open("sqlite3", storeConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open SQLite database")
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	store.state.Store(StateStopped)

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, types.WrapError(err, "failed to initialize audit schema")
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		record_id TEXT,
		payload TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
	`

	_, err := s.db.Exec(query)
	if err != nil {
		return types.WrapError(err, "failed to create audit_log table")
	}

	return nil
}

func (s *SQLiteStore) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	s.logger.Info("SQLite audit store started")
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
	}()

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close SQLite database")
	}

	s.logger.Info("SQLite audit store stopped gracefully")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *SQLiteStore) Record(ctx context.Context, entry *types.AuditEntry) error {
	if !s.IsRunning() {
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

	var metadataJSON string
	if len(entry.Metadata) > 0 {
		data, err := utils.Marshal(entry.Metadata)
		if err != nil {
			return types.WrapError(err, "failed to marshal entry metadata")
		}
		metadataJSON = string(data)
	}

	query := `INSERT INTO audit_log (id, actor, action, resource, record_id, payload, metadata, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, id, entry.Actor, entry.Action, entry.Resource,
		entry.RecordID, entry.Payload, metadataJSON, createdAt)
	if err != nil {
		return types.Errorf(types.ErrAuditStoreFailed, "insert: %v", err)
	}

	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter *types.AuditFilter) ([]*types.AuditEntry, error) {
	if !s.IsRunning() {
		return nil, types.ErrAuditStoreNotReady
	}

	query := `SELECT id, actor, action, resource, record_id, payload, metadata, created_at FROM audit_log`
	where, args := buildWhereClause(filter)
	query += where + ` ORDER BY created_at DESC`

	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.Errorf(types.ErrAuditStoreFailed, "query: %v", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close database rows", zap.Error(err))
		}
	}(rows)

	var entries []*types.AuditEntry
	for rows.Next() {
		entry := &types.AuditEntry{}
		var metadataJSON string

		err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.Resource,
			&entry.RecordID, &entry.Payload, &metadataJSON, &entry.CreatedAt)
		if err != nil {
			return nil, types.WrapError(err, "failed to scan audit entry")
		}

		if metadataJSON != "" {
			if err := utils.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
				s.logger.Warn("Failed to parse entry metadata",
					zap.String("entry_id", entry.ID),
					zap.Error(err))
			}
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter *types.AuditFilter) (int64, error) {
	if !s.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	query := `SELECT COUNT(*) FROM audit_log`
	where, args := buildWhereClause(filter)
	query += where

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, types.Errorf(types.ErrAuditStoreFailed, "count: %v", err)
	}

	return count, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if !s.IsRunning() {
		return 0, types.ErrAuditStoreNotReady
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, types.Errorf(types.ErrAuditStoreFailed, "purge: %v", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, types.WrapError(err, "failed to get rows affected")
	}

	return purged, nil
}

func buildWhereClause(filter *types.AuditFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var conditions []string
	var args []interface{}

	if filter.Actor != "" {
		conditions = append(conditions, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Resource != "" {
		conditions = append(conditions, "resource = ?")
		args = append(args, filter.Resource)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.To)
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *SQLiteStore) getState() State {
	return s.state.Load().(State)
}

func (s *SQLiteStore) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *SQLiteStore) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
