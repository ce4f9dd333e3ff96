package types

import (
	"context"
	"time"
)

type QueryFunc func(ctx context.Context) (interface{}, error)

type OptimizerManager interface {
	LifecycleManager
	Do(ctx context.Context, operationID, query string, fn QueryFunc) (interface{}, error)
	Estimate(query string) CostEstimate
	Record(sample MetricSample)
	Analytics() QueryAnalytics
	InvalidateOperation(pattern string) (int, error)
}

type QueryComplexity string

const (
	ComplexityLow    QueryComplexity = "low"
	ComplexityMedium QueryComplexity = "medium"
	ComplexityHigh   QueryComplexity = "high"
)

type CostEstimate struct {
	Score        int             `json:"score"`
	Joins        int             `json:"joins"`
	Subqueries   int             `json:"subqueries"`
	Conditions   int             `json:"conditions"`
	Aggregations int             `json:"aggregations"`
	Complexity   QueryComplexity `json:"complexity"`
	SuggestedTTL time.Duration   `json:"suggested_ttl"`
}

// MetricSample describes one executed operation. Samples are recorded
// as given; the recorder never rejects a sample.
type MetricSample struct {
	OperationID string        `json:"operation_id"`
	Duration    time.Duration `json:"duration"`
	ResultSize  int           `json:"result_size"`
	CacheHit    bool          `json:"cache_hit"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       string        `json:"error,omitempty"`
}

type QueryAnalytics struct {
	TotalQueries    int              `json:"total_queries"`
	AvgDuration     time.Duration    `json:"avg_duration"`
	CacheHitRate    float64          `json:"cache_hit_rate"`
	ErrorRate       float64          `json:"error_rate"`
	SlowestGroups   []QueryGroupStat `json:"slowest_groups"`
	FrequentGroups  []QueryGroupStat `json:"frequent_groups"`
	WindowStartedAt time.Time        `json:"window_started_at"`
}

// QueryGroupStat aggregates samples grouped by the operation id prefix
// before its first ':'.
type QueryGroupStat struct {
	Group       string        `json:"group"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}
