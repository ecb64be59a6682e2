package silver

import (
	"sort"
	"time"
)

// rollingCounts computes, for every row, the number of earlier events in
// the same group whose creation time falls within the trailing window,
// exclusive of the row itself. Rows without a creation timestamp get a
// zero count and are not counted as window members for other rows.
//
// Runs in O(n log n) per group for the sort and amortized O(n) for the
// window scan: the start pointer only ever advances.
func rollingCounts(rows []issue, key func(issue) string, window time.Duration) []float64 {
	counts := make([]float64, len(rows))

	groups := make(map[string][]int)
	for i, r := range rows {
		if r.createdAt == nil {
			continue
		}
		k := key(r)
		groups[k] = append(groups[k], i)
	}

	for _, idxs := range groups {
		sort.SliceStable(idxs, func(a, b int) bool {
			return rows[idxs[a]].createdAt.Before(*rows[idxs[b]].createdAt)
		})
		start := 0
		for end, i := range idxs {
			current := *rows[i].createdAt
			for start < end && current.Sub(*rows[idxs[start]].createdAt) > window {
				start++
			}
			counts[i] = float64(end - start)
		}
	}
	return counts
}
