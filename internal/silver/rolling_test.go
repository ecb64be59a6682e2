package silver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mustTime(t *testing.T, s string) *time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	utc := ts.UTC()
	return &utc
}

func TestRollingCountsExcludeCurrentRow(t *testing.T) {
	rows := []issue{
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-01T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-05T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-10T00:00:00Z")},
	}
	counts := rollingCounts(rows, func(i issue) string { return i.repoFull }, 30*24*time.Hour)
	assert.Equal(t, []float64{0, 1, 2}, counts)
}

func TestRollingCountsRespectWindow(t *testing.T) {
	rows := []issue{
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-01T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-02-15T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-03-01T00:00:00Z")},
	}
	counts30 := rollingCounts(rows, func(i issue) string { return i.repoFull }, 30*24*time.Hour)
	counts90 := rollingCounts(rows, func(i issue) string { return i.repoFull }, 90*24*time.Hour)

	// The January event falls outside the 30 day window of the March one.
	assert.Equal(t, []float64{0, 1, 1}, counts30)
	assert.Equal(t, []float64{0, 1, 2}, counts90)
	for i := range counts30 {
		assert.LessOrEqual(t, counts30[i], counts90[i])
	}
}

func TestRollingCountsSeparateGroups(t *testing.T) {
	rows := []issue{
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-01T00:00:00Z")},
		{repoFull: "b/r", createdAt: mustTime(t, "2024-01-02T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-03T00:00:00Z")},
	}
	counts := rollingCounts(rows, func(i issue) string { return i.repoFull }, 30*24*time.Hour)
	assert.Equal(t, []float64{0, 0, 1}, counts)
}

func TestRollingCountsNilTimestamps(t *testing.T) {
	rows := []issue{
		{repoFull: "a/r", createdAt: nil},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-01T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-02T00:00:00Z")},
	}
	counts := rollingCounts(rows, func(i issue) string { return i.repoFull }, 30*24*time.Hour)

	// A row without a creation time gets zero and is invisible to peers.
	assert.Equal(t, []float64{0, 0, 1}, counts)
}

func TestRollingCountsWindowBoundaryInclusive(t *testing.T) {
	rows := []issue{
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-01T00:00:00Z")},
		{repoFull: "a/r", createdAt: mustTime(t, "2024-01-31T00:00:00Z")},
	}
	counts := rollingCounts(rows, func(i issue) string { return i.repoFull }, 30*24*time.Hour)
	assert.Equal(t, []float64{0, 1}, counts)
}
