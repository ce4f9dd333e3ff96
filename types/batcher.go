package types

import (
	"context"
	"time"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func ParsePriority(value string) Priority {
	switch value {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

type BatcherManager interface {
	LifecycleManager
	Enqueue(ctx context.Context, request *BatchRequest) (BatchTicket, error)
	Stats() BatcherStats
}

// BatchRequest is a single unit of work routed through the batch window.
// Requests sharing Method and Endpoint accumulate into one batch.
type BatchRequest struct {
	ID         string
	Method     string
	Endpoint   string
	Params     map[string]interface{}
	Priority   Priority
	EnqueuedAt time.Time
}

// BatchTicket resolves to the outcome of exactly one batched request.
// Wait may be called by any number of goroutines; all observe the same
// settlement.
type BatchTicket interface {
	Wait(ctx context.Context) (interface{}, error)
	Done() <-chan struct{}
}

// BatchDispatcher executes a flushed batch. Prepare runs once per flush
// before any member is dispatched; a Prepare error rejects every member.
// Dispatch errors reject only the corresponding member.
type BatchDispatcher interface {
	Prepare(ctx context.Context, method, endpoint string, requests []*BatchRequest) error
	Dispatch(ctx context.Context, request *BatchRequest) (interface{}, error)
}

type BatcherStats struct {
	Enqueued       uint64 `json:"enqueued"`
	Deduplicated   uint64 `json:"deduplicated"`
	Flushes        uint64 `json:"flushes"`
	FlushedBySize  uint64 `json:"flushed_by_size"`
	FlushedByTimer uint64 `json:"flushed_by_timer"`
	FlushedByPrio  uint64 `json:"flushed_by_priority"`
	Settled        uint64 `json:"settled"`
	Rejected       uint64 `json:"rejected"`
	PendingBatches int    `json:"pending_batches"`
}
