// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"math"
	"math/rand/v2"
	"sort"
)

// WeightedRandomSample draws k distinct items without replacement,
// favoring larger weights. Each item gets the key u^(1/w) for u
// uniform in (0,1], and the k largest keys win (Efraimidis-Spirakis).
// A nil weights slice samples uniformly. Items with non-positive
// weight are only chosen once every positive-weight item has been. If
// k >= len(items), every item is returned in sampled order.
func WeightedRandomSample[T any](items []T, weights []float64, k int) []T {
	return weightedSample(rand.Float64, items, weights, k)
}

func weightedSample[T any](uniform func() float64, items []T, weights []float64, k int) []T {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	if weights != nil && len(weights) != len(items) {
		panic("resolver: weights and items differ in length")
	}

	type keyed struct {
		index int
		key   float64
	}
	keys := make([]keyed, len(items))
	for index := range items {
		weight := 1.0
		if weights != nil {
			weight = weights[index]
		}
		// log(u)/w orders identically to u^(1/w) and does not
		// underflow for small weights.
		key := math.Inf(-1)
		if weight > 0 {
			key = math.Log(1-uniform()) / weight
		}
		keys[index] = keyed{index: index, key: key}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	if k > len(items) {
		k = len(items)
	}
	sampled := make([]T, k)
	for position := range sampled {
		sampled[position] = items[keys[position].index]
	}
	return sampled
}
