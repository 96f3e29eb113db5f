package merge

import (
	"math"

	"amaliyah/internal/model"
)

const (
	// GuardMinClasses is the smallest existing roster the shrink guard protects.
	GuardMinClasses  = 8
	guardShrinkRatio = 0.4
	guardShrinkFloor = 3
)

// ShrinkLimit is the largest incoming class count treated as a suspicious
// shrink of a roster with existing classes.
func ShrinkLimit(existing int) int {
	return max(guardShrinkFloor, int(math.Floor(float64(existing)*guardShrinkRatio)))
}

// ShouldBlock reports whether a write replacing existing with incoming looks
// like a stale or truncated client snapshot. An empty incoming list is never
// blocked: it cannot remove anything under the merge policy.
func ShouldBlock(existing, incoming []model.ClassRecord, force bool) bool {
	if force {
		return false
	}
	return len(existing) >= GuardMinClasses &&
		len(incoming) > 0 &&
		len(incoming) <= ShrinkLimit(len(existing))
}
