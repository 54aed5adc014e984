package memory

import (
	"math"
	"time"
	"unicode/utf8"
)

// sourceWeights bias importance toward what the user said.
var sourceWeights = map[string]float64{
	"user":      2.0,
	"assistant": 1.0,
	"tool":      0.75,
	"document":  0.5,
	"system":    0.5,
}

const defaultSourceWeight = 0.5

// SourceWeight returns the importance bonus for a metadata source.
func SourceWeight(source string) float64 {
	if w, ok := sourceWeights[source]; ok {
		return w
	}
	return defaultSourceWeight
}

// lengthBonus buckets content length in runes.
func lengthBonus(content string) float64 {
	switch n := utf8.RuneCountInString(content); {
	case n < 100:
		return 0
	case n < 500:
		return 0.5
	case n < 2000:
		return 1.0
	default:
		return 1.5
	}
}

// CalculateImportance scores a new memory. An explicit value wins over the
// heuristic. The result is clamped to [0, maxImportance].
func CalculateImportance(explicit *float64, content string, tagCount int, source string, maxImportance float64) float64 {
	if explicit != nil {
		return clamp(*explicit, 0, maxImportance)
	}
	score := 1.0 + lengthBonus(content) + 0.2*float64(min(tagCount, 5)) + SourceWeight(source)
	return clamp(score, 0, maxImportance)
}

// decaySteps returns how many whole intervals have elapsed since last.
func decaySteps(last, now time.Time, interval time.Duration) int64 {
	if interval <= 0 || !now.After(last) {
		return 0
	}
	return int64(now.Sub(last) / interval)
}

// applyDecay multiplies importance by factor once per elapsed interval.
func applyDecay(importance, factor float64, steps int64) float64 {
	if steps <= 0 {
		return importance
	}
	return math.Max(0, importance*math.Pow(factor, float64(steps)))
}

func reinforce(importance, boost, maxImportance float64) float64 {
	return math.Min(maxImportance, importance+boost)
}

// recencyScore halves every halfLife.
func recencyScore(ts, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/halfLife.Hours())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
