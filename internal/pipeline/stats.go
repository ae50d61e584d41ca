package pipeline

import (
	"sort"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// median returns the middle value of the samples, averaging the two central
// values for even counts. Panics on empty input; callers guard with the
// minimum-sample rule.
func median(samples []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two)
}

// medianAbsoluteDeviation measures spread as the median of absolute
// deviations from center. Robust against the very outliers the detector is
// hunting for.
func medianAbsoluteDeviation(samples []decimal.Decimal, center decimal.Decimal) decimal.Decimal {
	deviations := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		deviations[i] = s.Sub(center).Abs()
	}
	return median(deviations)
}

// minimum returns the smallest sample.
func minimum(samples []decimal.Decimal) decimal.Decimal {
	min := samples[0]
	for _, s := range samples[1:] {
		if s.LessThan(min) {
			min = s
		}
	}
	return min
}
