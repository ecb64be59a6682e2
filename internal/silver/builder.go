// Package silver derives the feature-engineered, deduplicated, split
// dataset from accumulated bronze partitions.
package silver

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/nucleus/lake-core/internal/config"
	"github.com/nucleus/lake-core/internal/logging"
)

// FeatureColumns lists the silver feature columns, in output order. The raw
// comment count never appears here: it is the label's source signal.
var FeatureColumns = []string{
	"title_length",
	"title_word_count",
	"issue_age_days",
	"time_since_update_days",
	"is_recent_update",
	"is_weekend_created",
	"repo_issue_count_30d",
	"repo_issue_count_90d",
	"user_issue_count_30d",
	"user_issue_count_90d",
	"title_has_bug",
	"title_has_error",
}

// LabelColumn is the binary training target.
const LabelColumn = "priority_label"

const featureVersion = "v1.1"

var baseColumns = []string{
	"id", "repo_owner", "repo_name", "number", "state", "user_login",
	"created_at", "updated_at", "ingest_ts",
}

var bugWordRe = regexp.MustCompile(`(?i)\bbug\b`)

// FeatureRow is one silver output row.
type FeatureRow struct {
	ID        int64   `parquet:"name=id, type=INT64"`
	RepoOwner string  `parquet:"name=repo_owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	RepoName  string  `parquet:"name=repo_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Number    int64   `parquet:"name=number, type=INT64"`
	State     string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserLogin string  `parquet:"name=user_login, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt *string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	UpdatedAt *string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	IngestTS  *string `parquet:"name=ingest_ts, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`

	PriorityLabel int32 `parquet:"name=priority_label, type=INT32"`

	TitleLength         float64 `parquet:"name=title_length, type=DOUBLE"`
	TitleWordCount      float64 `parquet:"name=title_word_count, type=DOUBLE"`
	IssueAgeDays        float64 `parquet:"name=issue_age_days, type=DOUBLE"`
	TimeSinceUpdateDays float64 `parquet:"name=time_since_update_days, type=DOUBLE"`
	IsRecentUpdate      int32   `parquet:"name=is_recent_update, type=INT32"`
	IsWeekendCreated    int32   `parquet:"name=is_weekend_created, type=INT32"`
	RepoIssueCount30d   float64 `parquet:"name=repo_issue_count_30d, type=DOUBLE"`
	RepoIssueCount90d   float64 `parquet:"name=repo_issue_count_90d, type=DOUBLE"`
	UserIssueCount30d   float64 `parquet:"name=user_issue_count_30d, type=DOUBLE"`
	UserIssueCount90d   float64 `parquet:"name=user_issue_count_90d, type=DOUBLE"`
	TitleHasBug         int32   `parquet:"name=title_has_bug, type=INT32"`
	TitleHasError       int32   `parquet:"name=title_has_error, type=INT32"`
}

// Quality captures lineage counters for one build.
type Quality struct {
	RowsRaw           int64              `json:"rows_raw"`
	RowsAfterDedupe   int64              `json:"rows_after_dedupe"`
	RowsCurrentOpen   int64              `json:"rows_current_open"`
	DuplicatesRemoved int64              `json:"duplicates_removed"`
	SplitRows         map[string]int     `json:"split_rows"`
	MissingPct        map[string]float64 `json:"missing_pct"`
}

// Meta is the lineage document written alongside every snapshot.
type Meta struct {
	GeneratedAt        string   `json:"generated_at"`
	DataCutoff         string   `json:"data_cutoff"`
	TotalRows          int      `json:"total_rows"`
	FeatureColumns     []string `json:"feature_columns"`
	LabelColumn        string   `json:"label_column"`
	Commit             *string  `json:"commit"`
	ConfigHash         string   `json:"config_hash"`
	SourceDestinations []string `json:"source_destinations"`
	Quality            Quality  `json:"quality"`
	RunDirectory       string   `json:"run_directory"`
	FeatureVersion     string   `json:"feature_version"`
}

// Builder produces one reproducible silver snapshot from bronze inputs.
type Builder struct {
	LakeRoot   string
	Sources    []config.Source
	ConfigHash string

	// Now is injectable for deterministic tests.
	Now func() time.Time
}

// NewBuilder creates a Builder over the GitHub-like sources of cfg.
func NewBuilder(cfg *config.Config) *Builder {
	var github []config.Source
	for _, s := range cfg.Sources {
		if s.Kind == "http.github" {
			github = append(github, s)
		}
	}
	return &Builder{
		LakeRoot:   cfg.LakeRoot,
		Sources:    github,
		ConfigHash: cfg.Hash(),
		Now:        time.Now,
	}
}

// Build runs the full silver pipeline. It returns (nil, nil) when no usable
// bronze input exists or no open issues remain: that is an empty result,
// not an error.
func (b *Builder) Build() (*Meta, error) {
	log := logging.L()

	// Load and concatenate every source's bronze tree.
	var all []issue
	for _, src := range b.Sources {
		if src.Destination == "" {
			continue
		}
		rows, err := loadDataset(filepath.Join(b.LakeRoot, src.Destination))
		if err != nil {
			return nil, fmt.Errorf("load bronze for %s: %w", src.Name, err)
		}
		all = append(all, rows...)
	}
	if len(all) == 0 {
		return nil, nil
	}
	rawRowCount := int64(len(all))

	// Rolling aggregates are computed over the full history, duplicates
	// included, so dedup later keeps the freshest row's counts.
	sortByCreated(all)
	repo30 := rollingCounts(all, func(i issue) string { return i.repoFull }, 30*24*time.Hour)
	repo90 := rollingCounts(all, func(i issue) string { return i.repoFull }, 90*24*time.Hour)
	user30 := rollingCounts(all, func(i issue) string { return i.userLogin }, 30*24*time.Hour)
	user90 := rollingCounts(all, func(i issue) string { return i.userLogin }, 90*24*time.Hour)
	for i := range all {
		all[i].repoCount30 = repo30[i]
		all[i].repoCount90 = repo90[i]
		all[i].userCount30 = user30[i]
		all[i].userCount90 = user90[i]
	}

	latest := dedupe(all)
	dedupRowCount := int64(len(latest))

	// Only open issues are scored.
	open := latest[:0:0]
	for _, is := range latest {
		if strings.EqualFold(is.state, "open") {
			open = append(open, is)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}

	reference := b.referenceTime(open)

	// Time-ordered positional split: train, then val, then test.
	sort.SliceStable(open, func(a, c int) bool {
		return lessOptionalTime(open[a].ingestTS, open[c].ingestTS)
	})
	rows := make([]FeatureRow, 0, len(open))
	for _, is := range open {
		rows = append(rows, deriveFeatures(is, reference))
	}
	trainEnd, valEnd := splitBounds(len(rows))
	splits := map[string][]FeatureRow{
		"train": rows[:trainEnd],
		"val":   rows[trainEnd:valEnd],
		"test":  rows[valEnd:],
	}

	silverRoot := filepath.Join(b.LakeRoot, "silver", "github", "issues")
	runStamp := b.Now().UTC().Format("20060102T150405")
	runDir := filepath.Join(silverRoot, fmt.Sprintf("run_ts=%s", runStamp))

	meta := &Meta{
		GeneratedAt:        b.Now().UTC().Format(time.RFC3339),
		DataCutoff:         reference.Format(time.RFC3339),
		TotalRows:          len(rows),
		FeatureColumns:     FeatureColumns,
		LabelColumn:        LabelColumn,
		Commit:             commitHash(),
		ConfigHash:         b.ConfigHash,
		SourceDestinations: destinations(b.Sources),
		Quality: Quality{
			RowsRaw:           rawRowCount,
			RowsAfterDedupe:   dedupRowCount,
			RowsCurrentOpen:   int64(len(rows)),
			DuplicatesRemoved: rawRowCount - dedupRowCount,
			SplitRows:         splitCounts(splits),
			MissingPct:        missingPct(rows),
		},
		RunDirectory:   filepath.Join("silver", "github", "issues", fmt.Sprintf("run_ts=%s", runStamp)),
		FeatureVersion: featureVersion,
	}

	if err := writeSnapshot(runDir, splits, meta); err != nil {
		return nil, err
	}
	if err := replaceLatest(silverRoot, splits, meta); err != nil {
		return nil, err
	}

	log.Infow("silver snapshot created",
		"run", runStamp,
		"rows", len(rows),
		"duplicates_removed", meta.Quality.DuplicatesRemoved,
	)
	return meta, nil
}

// referenceTime is the "as of" instant for age-based features: the maximum
// ingest timestamp among retained rows, falling back to the current time.
func (b *Builder) referenceTime(open []issue) time.Time {
	var ref *time.Time
	for _, is := range open {
		if is.ingestTS == nil {
			continue
		}
		if ref == nil || is.ingestTS.After(*ref) {
			ref = is.ingestTS
		}
	}
	if ref == nil {
		now := b.Now().UTC()
		return now
	}
	return ref.UTC()
}

// dedupe keeps exactly one row per issue id, preferring the latest
// (updated_at, ingest_ts) pair. Output order is deterministic.
func dedupe(rows []issue) []issue {
	sorted := make([]issue, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(a, b int) bool {
		if !equalOptionalTime(sorted[a].updatedAt, sorted[b].updatedAt) {
			return lessOptionalTime(sorted[a].updatedAt, sorted[b].updatedAt)
		}
		return lessOptionalTime(sorted[a].ingestTS, sorted[b].ingestTS)
	})
	keep := make(map[int64]issue, len(sorted))
	order := make([]int64, 0, len(sorted))
	for _, is := range sorted {
		if _, seen := keep[is.id]; !seen {
			order = append(order, is.id)
		}
		keep[is.id] = is // later (fresher) rows overwrite
	}
	out := make([]issue, 0, len(order))
	for _, id := range order {
		out = append(out, keep[id])
	}
	return out
}

func deriveFeatures(is issue, reference time.Time) FeatureRow {
	row := FeatureRow{
		ID:                is.id,
		RepoOwner:         is.repoOwner,
		RepoName:          is.repoName,
		Number:            is.number,
		State:             is.state,
		UserLogin:         is.userLogin,
		CreatedAt:         formatOptionalTime(is.createdAt),
		UpdatedAt:         formatOptionalTime(is.updatedAt),
		IngestTS:          formatOptionalTime(is.ingestTS),
		TitleLength:       float64(len([]rune(is.title))),
		TitleWordCount:    float64(len(strings.Fields(is.title))),
		RepoIssueCount30d: is.repoCount30,
		RepoIssueCount90d: is.repoCount90,
		UserIssueCount30d: is.userCount30,
		UserIssueCount90d: is.userCount90,
	}
	if is.createdAt != nil {
		row.IssueAgeDays = reference.Sub(*is.createdAt).Hours() / 24
		wd := is.createdAt.UTC().Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			row.IsWeekendCreated = 1
		}
	}
	if is.updatedAt != nil {
		row.TimeSinceUpdateDays = reference.Sub(*is.updatedAt).Hours() / 24
		if row.TimeSinceUpdateDays <= 7 {
			row.IsRecentUpdate = 1
		}
	}
	if bugWordRe.MatchString(is.title) {
		row.TitleHasBug = 1
	}
	if strings.Contains(strings.ToLower(is.title), "error") {
		row.TitleHasError = 1
	}
	// Label comes from the raw comment count, which is deliberately absent
	// from the feature columns.
	if is.comments >= 5 {
		row.PriorityLabel = 1
	}
	return row
}

// splitBounds partitions n time-ordered rows into train/val/test positions.
// Train targets 70%, val the next 15%. Every split is non-empty once n >= 3.
func splitBounds(n int) (trainEnd, valEnd int) {
	trainEnd = int(float64(n) * 0.7)
	if trainEnd < 1 {
		trainEnd = 1
	}
	valEnd = int(float64(n) * 0.85)
	if valEnd < trainEnd+1 {
		valEnd = trainEnd + 1
	}
	if valEnd > n {
		valEnd = n
	}
	if n >= 3 && valEnd == n {
		valEnd = n - 1
		if trainEnd >= valEnd {
			trainEnd = valEnd - 1
		}
	}
	if trainEnd > n {
		trainEnd = n
	}
	return trainEnd, valEnd
}

func writeSnapshot(dir string, splits map[string][]FeatureRow, meta *Meta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	for name, rows := range splits {
		if len(rows) == 0 {
			continue
		}
		splitDir := filepath.Join(dir, fmt.Sprintf("split=%s", name))
		if err := os.MkdirAll(splitDir, 0o755); err != nil {
			return fmt.Errorf("create split dir: %w", err)
		}
		if err := writeSplit(filepath.Join(splitDir, "data.parquet"), rows); err != nil {
			return fmt.Errorf("write split %s: %w", name, err)
		}
	}
	return writeMeta(dir, meta)
}

// replaceLatest builds the new alias in a staging directory, then swaps it
// in with renames so readers never observe a partially populated alias.
func replaceLatest(silverRoot string, splits map[string][]FeatureRow, meta *Meta) error {
	tmp := filepath.Join(silverRoot, fmt.Sprintf(".latest-%s.tmp", uuid.NewString()[:8]))
	if err := writeSnapshot(tmp, splits, meta); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	latestDir := filepath.Join(silverRoot, "latest")
	oldDir := latestDir + ".old"
	os.RemoveAll(oldDir)
	if _, err := os.Stat(latestDir); err == nil {
		if err := os.Rename(latestDir, oldDir); err != nil {
			os.RemoveAll(tmp)
			return fmt.Errorf("retire previous latest: %w", err)
		}
	}
	if err := os.Rename(tmp, latestDir); err != nil {
		return fmt.Errorf("activate latest: %w", err)
	}
	os.RemoveAll(oldDir)
	return nil
}

func writeSplit(path string, rows []FeatureRow) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("open parquet file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(FeatureRow), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func writeMeta(dir string, meta *Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "_meta.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// missingPct reports the per-column fraction of missing values across the
// retained rows. Only the timestamp columns can be null in this schema.
func missingPct(rows []FeatureRow) map[string]float64 {
	out := make(map[string]float64)
	for _, col := range baseColumns {
		out[col] = 0
	}
	out[LabelColumn] = 0
	for _, col := range FeatureColumns {
		out[col] = 0
	}
	if len(rows) == 0 {
		return out
	}
	var createdMissing, updatedMissing, ingestMissing int
	for _, r := range rows {
		if r.CreatedAt == nil {
			createdMissing++
		}
		if r.UpdatedAt == nil {
			updatedMissing++
		}
		if r.IngestTS == nil {
			ingestMissing++
		}
	}
	n := float64(len(rows))
	out["created_at"] = float64(createdMissing) / n
	out["updated_at"] = float64(updatedMissing) / n
	out["ingest_ts"] = float64(ingestMissing) / n
	return out
}

func splitCounts(splits map[string][]FeatureRow) map[string]int {
	out := make(map[string]int, len(splits))
	for name, rows := range splits {
		out[name] = len(rows)
	}
	return out
}

func destinations(sources []config.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Destination)
	}
	return out
}

// commitHash best-effort resolves the source revision for lineage.
func commitHash() *string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return nil
	}
	hash := strings.TrimSpace(string(out))
	if hash == "" {
		return nil
	}
	return &hash
}

func sortByCreated(rows []issue) {
	sort.SliceStable(rows, func(a, b int) bool {
		return lessOptionalTime(rows[a].createdAt, rows[b].createdAt)
	})
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// lessOptionalTime orders nil timestamps before any concrete time.
func lessOptionalTime(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

func equalOptionalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
