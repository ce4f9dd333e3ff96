package optimizer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

const (
	defaultSampleCapacity = 1000
	defaultTopN           = 10
)

// Recorder keeps the most recent samples in a fixed-capacity ring.
// When full, the oldest sample is overwritten regardless of its size
// or duration. Samples are stored as given, malformed ones included.
type Recorder struct {
	mu       sync.RWMutex
	samples  []types.MetricSample
	head     int
	size     int
	capacity int
	topN     int
}

func NewRecorder(capacity, topN int) *Recorder {
	if capacity <= 0 {
		capacity = defaultSampleCapacity
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Recorder{
		samples:  make([]types.MetricSample, capacity),
		capacity: capacity,
		topN:     topN,
	}
}

func (r *Recorder) Record(sample types.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[(r.head+r.size)%r.capacity] = sample
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Recorder) Analytics() types.QueryAnalytics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	analytics := types.QueryAnalytics{}
	if r.size == 0 {
		return analytics
	}

	groups := make(map[string]*types.QueryGroupStat)
	groupTotals := make(map[string]time.Duration)

	var totalDuration time.Duration
	hits := 0
	errors := 0

	for i := 0; i < r.size; i++ {
		sample := r.samples[(r.head+i)%r.capacity]

		if i == 0 {
			analytics.WindowStartedAt = sample.Timestamp
		}

		totalDuration += sample.Duration
		if sample.CacheHit {
			hits++
		}
		if sample.Error != "" {
			errors++
		}

		group := groupOf(sample.OperationID)
		stat, ok := groups[group]
		if !ok {
			stat = &types.QueryGroupStat{Group: group}
			groups[group] = stat
		}
		stat.Count++
		groupTotals[group] += sample.Duration
		if sample.Duration > stat.MaxDuration {
			stat.MaxDuration = sample.Duration
		}
	}

	analytics.TotalQueries = r.size
	analytics.AvgDuration = totalDuration / time.Duration(r.size)
	analytics.CacheHitRate = float64(hits) / float64(r.size)
	analytics.ErrorRate = float64(errors) / float64(r.size)

	stats := make([]types.QueryGroupStat, 0, len(groups))
	for group, stat := range groups {
		stat.AvgDuration = groupTotals[group] / time.Duration(stat.Count)
		stats = append(stats, *stat)
	}

	analytics.SlowestGroups = topBy(stats, r.topN, func(a, b types.QueryGroupStat) bool {
		if a.AvgDuration != b.AvgDuration {
			return a.AvgDuration > b.AvgDuration
		}
		return a.Group < b.Group
	})
	analytics.FrequentGroups = topBy(stats, r.topN, func(a, b types.QueryGroupStat) bool {
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Group < b.Group
	})

	return analytics
}

// groupOf derives the grouping key from the part of the operation id
// before its first ':'. An id without a separator is its own group.
func groupOf(operationID string) string {
	if idx := strings.IndexByte(operationID, ':'); idx >= 0 {
		return operationID[:idx]
	}
	return operationID
}

func topBy(stats []types.QueryGroupStat, n int, less func(a, b types.QueryGroupStat) bool) []types.QueryGroupStat {
	sorted := make([]types.QueryGroupStat, len(stats))
	copy(sorted, stats)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
