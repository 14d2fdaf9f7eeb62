package visual

import (
	"math"

	"gradeflow/internal/models"
)

// Policy bounds how many visuals are sent to the vision model.
type Policy struct {
	MaxTotal       int
	MaxUncaptioned int
	Concurrency    int
	// Attempts counts the first generation plus regenerations for
	// non-compliant output.
	Attempts       int
}

func DefaultPolicy() Policy {
	return Policy{MaxTotal: 12, MaxUncaptioned: 4, Concurrency: 3, Attempts: 2}
}

// SampleEvenly picks up to limit items spread across the whole slice,
// always including the first and last. limit 1 picks the middle item.
func SampleEvenly[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) == 0 {
		return nil
	}
	if len(items) <= limit {
		return append([]T(nil), items...)
	}
	if limit == 1 {
		return []T{items[len(items)/2]}
	}
	step := float64(len(items)-1) / float64(limit-1)
	seen := make(map[int]bool, limit)
	idx := make([]int, 0, limit)
	for i := 0; i < limit; i++ {
		j := int(math.RoundToEven(float64(i) * step))
		if !seen[j] {
			seen[j] = true
			idx = append(idx, j)
		}
	}
	for j := 0; len(idx) < limit && j < len(items); j++ {
		if !seen[j] {
			seen[j] = true
			idx = append(idx, j)
		}
	}
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

// Select returns the positions of visuals chosen for analysis: every
// captioned visual first, in document order, up to MaxTotal, then an even
// sample of uncaptioned visuals in the remaining budget.
func Select(visuals []models.ExtractedVisual, p Policy) []int {
	var captioned, uncaptioned []int
	for i, v := range visuals {
		if v.Captioned() {
			captioned = append(captioned, i)
		} else {
			uncaptioned = append(uncaptioned, i)
		}
	}
	if len(captioned) > p.MaxTotal {
		captioned = captioned[:max(p.MaxTotal, 0)]
	}
	budget := min(p.MaxTotal-len(captioned), p.MaxUncaptioned)
	return append(captioned, SampleEvenly(uncaptioned, budget)...)
}
