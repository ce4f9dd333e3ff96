package optimizer

import (
	"regexp"
	"time"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

const (
	joinWeight        = 3
	subqueryWeight    = 4
	conditionWeight   = 1
	aggregationWeight = 2

	mediumScoreFloor = 5
	highScoreFloor   = 12
)

var (
	joinPattern        = regexp.MustCompile(`(?i)\bjoin\b`)
	subqueryPattern    = regexp.MustCompile(`(?i)\(\s*select\b`)
	wherePattern       = regexp.MustCompile(`(?i)\bwhere\b`)
	connectivePattern  = regexp.MustCompile(`(?i)\b(and|or)\b`)
	aggregationPattern = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(|\bgroup\s+by\b`)
)

// Estimator scores a query string with a keyword-counting heuristic.
// The score is not a query plan; it only has to rank expensive queries
// above cheap ones so they earn longer cache lifetimes.
type Estimator struct {
	minTTL time.Duration
	maxTTL time.Duration
}

func NewEstimator(minTTL, maxTTL time.Duration) *Estimator {
	if minTTL <= 0 {
		minTTL = time.Minute
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}
	return &Estimator{minTTL: minTTL, maxTTL: maxTTL}
}

func (e *Estimator) Estimate(query string) types.CostEstimate {
	estimate := types.CostEstimate{}
	if query == "" {
		estimate.Complexity = types.ComplexityLow
		estimate.SuggestedTTL = e.minTTL
		return estimate
	}

	estimate.Joins = len(joinPattern.FindAllStringIndex(query, -1))
	estimate.Subqueries = len(subqueryPattern.FindAllStringIndex(query, -1))
	estimate.Aggregations = len(aggregationPattern.FindAllStringIndex(query, -1))

	// Each WHERE clause counts as one condition plus one per AND/OR
	// connective after it.
	if whereCount := len(wherePattern.FindAllStringIndex(query, -1)); whereCount > 0 {
		estimate.Conditions = whereCount + len(connectivePattern.FindAllStringIndex(query, -1))
	}

	estimate.Score = estimate.Joins*joinWeight +
		estimate.Subqueries*subqueryWeight +
		estimate.Conditions*conditionWeight +
		estimate.Aggregations*aggregationWeight

	switch {
	case estimate.Score >= highScoreFloor:
		estimate.Complexity = types.ComplexityHigh
	case estimate.Score >= mediumScoreFloor:
		estimate.Complexity = types.ComplexityMedium
	default:
		estimate.Complexity = types.ComplexityLow
	}

	estimate.SuggestedTTL = e.suggestTTL(estimate.Score)

	return estimate
}

// suggestTTL maps the score onto [minTTL, maxTTL]. Expensive queries
// are cached longer because recomputing them costs more than serving
// slightly stale rows.
func (e *Estimator) suggestTTL(score int) time.Duration {
	if score >= highScoreFloor {
		return e.maxTTL
	}
	if score <= 0 {
		return e.minTTL
	}

	span := e.maxTTL - e.minTTL
	return e.minTTL + span*time.Duration(score)/time.Duration(highScoreFloor)
}
