package silver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/nucleus/lake-core/internal/config"
	"github.com/nucleus/lake-core/internal/lake"
	"github.com/nucleus/lake-core/internal/schema"
)

func bronzeIssue(id, number, comments int64, title, state, user, created, updated, ingest string) lake.Record {
	return lake.Record{
		"id":          id,
		"number":      number,
		"title":       title,
		"state":       state,
		"user_login":  user,
		"comments":    comments,
		"created_at":  created,
		"updated_at":  updated,
		"closed_at":   nil,
		"repo_owner":  "acme",
		"repo_name":   "widgets",
		"ingest_ts":   ingest,
		"ingest_date": ingest[:10],
	}
}

func seedBronze(t *testing.T, root string, records []lake.Record) {
	t.Helper()
	_, err := lake.Write(records, root, "bronze/github/issues", "ingest_date", schema.IssueFields())
	require.NoError(t, err)
}

func readFeatureRows(t *testing.T, path string) []FeatureRow {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(FeatureRow), 4)
	require.NoError(t, err)
	defer pr.ReadStop()
	rows := make([]FeatureRow, int(pr.GetNumRows()))
	require.NoError(t, pr.Read(&rows))
	return rows
}

func testBuilder(root string) *Builder {
	return &Builder{
		LakeRoot: root,
		Sources: []config.Source{{
			Name:        "gh",
			Kind:        "http.github",
			Destination: "bronze/github/issues",
		}},
		ConfigHash: "deadbeef",
		Now: func() time.Time {
			return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
		},
	}
}

func TestBuildDedupesAndLabels(t *testing.T) {
	root := t.TempDir()
	seedBronze(t, root, []lake.Record{
		bronzeIssue(1, 11, 6, "Bug: crash on startup", "open", "alice",
			"2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z", "2024-01-16T00:00:00Z"),
		bronzeIssue(1, 11, 7, "Bug: crash on startup", "open", "alice",
			"2024-01-10T00:00:00Z", "2024-01-14T00:00:00Z", "2024-01-17T00:00:00Z"),
		bronzeIssue(2, 12, 1, "Improve docs", "open", "bob",
			"2024-01-13T00:00:00Z", "2024-01-13T12:00:00Z", "2024-01-15T00:00:00Z"),
		bronzeIssue(3, 13, 9, "error in parser", "closed", "carol",
			"2024-01-05T00:00:00Z", "2024-01-06T00:00:00Z", "2024-01-15T00:00:00Z"),
	})

	meta, err := testBuilder(root).Build()
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, 2, meta.TotalRows)
	assert.EqualValues(t, 4, meta.Quality.RowsRaw)
	assert.EqualValues(t, 3, meta.Quality.RowsAfterDedupe)
	assert.EqualValues(t, 1, meta.Quality.DuplicatesRemoved)
	assert.EqualValues(t, 2, meta.Quality.RowsCurrentOpen)
	assert.Equal(t, map[string]int{"train": 1, "val": 1, "test": 0}, meta.Quality.SplitRows)
	assert.Equal(t, "2024-01-17T00:00:00Z", meta.DataCutoff)
	assert.Equal(t, "v1.1", meta.FeatureVersion)
	assert.Equal(t, FeatureColumns, meta.FeatureColumns)
	assert.Equal(t, "deadbeef", meta.ConfigHash)
	assert.Equal(t, []string{"bronze/github/issues"}, meta.SourceDestinations)

	latest := filepath.Join(root, "silver", "github", "issues", "latest")

	// Ingest order puts id 2 in train and id 1 in val; no test rows at n=2.
	train := readFeatureRows(t, filepath.Join(latest, "split=train", "data.parquet"))
	require.Len(t, train, 1)
	assert.EqualValues(t, 2, train[0].ID)
	assert.EqualValues(t, 0, train[0].PriorityLabel)
	assert.EqualValues(t, 1, train[0].IsWeekendCreated) // 2024-01-13 is a Saturday
	// Rolling counts run over full history, closed and duplicate rows included.
	assert.EqualValues(t, 3, train[0].RepoIssueCount90d)
	assert.EqualValues(t, 0, train[0].UserIssueCount90d)
	require.NotNil(t, train[0].UpdatedAt)
	assert.Equal(t, "2024-01-13T12:00:00Z", *train[0].UpdatedAt)

	val := readFeatureRows(t, filepath.Join(latest, "split=val", "data.parquet"))
	require.Len(t, val, 1)
	assert.EqualValues(t, 1, val[0].ID)
	assert.EqualValues(t, 1, val[0].PriorityLabel)
	assert.EqualValues(t, 1, val[0].TitleHasBug)
	assert.EqualValues(t, 0, val[0].TitleHasError)
	assert.EqualValues(t, 1, val[0].IsRecentUpdate)
	require.NotNil(t, val[0].UpdatedAt)
	assert.Equal(t, "2024-01-14T00:00:00Z", *val[0].UpdatedAt) // later duplicate won
	assert.InDelta(t, 7.0, val[0].IssueAgeDays, 1e-9)

	_, err = os.Stat(filepath.Join(latest, "split=test"))
	assert.True(t, os.IsNotExist(err))

	raw, err := os.ReadFile(filepath.Join(latest, "_meta.json"))
	require.NoError(t, err)
	var onDisk Meta
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, meta.Quality.SplitRows, onDisk.Quality.SplitRows)
	assert.Equal(t, meta.RunDirectory, onDisk.RunDirectory)

	// The run snapshot itself also exists alongside the alias.
	_, err = os.Stat(filepath.Join(root, meta.RunDirectory, "_meta.json"))
	assert.NoError(t, err)
}

func TestBuildReplacesLatestAtomically(t *testing.T) {
	root := t.TempDir()
	seedBronze(t, root, []lake.Record{
		bronzeIssue(1, 11, 0, "first", "open", "alice",
			"2024-01-10T00:00:00Z", "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z"),
	})
	b := testBuilder(root)
	first, err := b.Build()
	require.NoError(t, err)
	require.NotNil(t, first)

	seedBronze(t, root, []lake.Record{
		bronzeIssue(2, 12, 0, "second", "open", "bob",
			"2024-01-12T00:00:00Z", "2024-01-12T00:00:00Z", "2024-01-13T00:00:00Z"),
	})
	b.Now = func() time.Time { return time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC) }
	second, err := b.Build()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.TotalRows)

	raw, err := os.ReadFile(filepath.Join(root, "silver", "github", "issues", "latest", "_meta.json"))
	require.NoError(t, err)
	var onDisk Meta
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, second.RunDirectory, onDisk.RunDirectory)

	entries, err := os.ReadDir(filepath.Join(root, "silver", "github", "issues"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"latest", "run_ts=20240201T120000", "run_ts=20240202T120000"}, names)
}

func TestBuildNoBronzeReturnsNil(t *testing.T) {
	meta, err := testBuilder(t.TempDir()).Build()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestBuildAllClosedReturnsNil(t *testing.T) {
	root := t.TempDir()
	seedBronze(t, root, []lake.Record{
		bronzeIssue(1, 11, 0, "done", "closed", "alice",
			"2024-01-10T00:00:00Z", "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z"),
	})
	meta, err := testBuilder(root).Build()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestDedupeKeepsFreshestPerID(t *testing.T) {
	rows := []issue{
		{id: 1, comments: 6, updatedAt: mustTime(t, "2024-01-11T00:00:00Z"), ingestTS: mustTime(t, "2024-01-16T00:00:00Z")},
		{id: 1, comments: 7, updatedAt: mustTime(t, "2024-01-14T00:00:00Z"), ingestTS: mustTime(t, "2024-01-17T00:00:00Z")},
		{id: 2, comments: 1, updatedAt: mustTime(t, "2024-01-13T00:00:00Z"), ingestTS: mustTime(t, "2024-01-15T00:00:00Z")},
	}
	out := dedupe(rows)
	require.Len(t, out, 2)
	byID := make(map[int64]issue, len(out))
	for _, is := range out {
		byID[is.id] = is
	}
	assert.EqualValues(t, 7, byID[1].comments)
	assert.EqualValues(t, 1, byID[2].comments)
}

func TestDedupeTieBrokenByIngestTime(t *testing.T) {
	same := mustTime(t, "2024-01-11T00:00:00Z")
	rows := []issue{
		{id: 1, comments: 3, updatedAt: same, ingestTS: mustTime(t, "2024-01-12T00:00:00Z")},
		{id: 1, comments: 4, updatedAt: same, ingestTS: mustTime(t, "2024-01-13T00:00:00Z")},
	}
	out := dedupe(rows)
	require.Len(t, out, 1)
	assert.EqualValues(t, 4, out[0].comments)
}

func TestDedupeNilBeforeConcrete(t *testing.T) {
	rows := []issue{
		{id: 1, comments: 9, updatedAt: mustTime(t, "2024-01-11T00:00:00Z")},
		{id: 1, comments: 2, updatedAt: nil},
	}
	out := dedupe(rows)
	require.Len(t, out, 1)
	assert.EqualValues(t, 9, out[0].comments)
}

func TestSplitBounds(t *testing.T) {
	cases := []struct {
		n, train, val, test int
	}{
		{1, 1, 0, 0},
		{2, 1, 1, 0},
		{3, 1, 1, 1},
		{4, 2, 1, 1},
		{10, 7, 1, 2},
		{20, 14, 3, 3},
		{100, 70, 15, 15},
	}
	for _, c := range cases {
		trainEnd, valEnd := splitBounds(c.n)
		assert.Equal(t, c.train, trainEnd, "n=%d train", c.n)
		assert.Equal(t, c.val, valEnd-trainEnd, "n=%d val", c.n)
		assert.Equal(t, c.test, c.n-valEnd, "n=%d test", c.n)
		if c.n >= 3 {
			assert.Positive(t, trainEnd)
			assert.Positive(t, valEnd-trainEnd)
			assert.Positive(t, c.n-valEnd)
		}
	}
}
