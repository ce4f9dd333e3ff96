package types

import (
	"context"
	"time"
)

type AuditManager interface {
	LifecycleManager
	Record(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error)
	Count(ctx context.Context, filter *AuditFilter) (int64, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

type AuditStoreCreator func(config interface{}) (AuditManager, error)

type AuditEntry struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	RecordID  string            `json:"record_id,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type AuditFilter struct {
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action,omitempty"`
	Resource string    `json:"resource,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}
