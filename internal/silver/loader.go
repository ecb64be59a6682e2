package silver

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

// bronzeRow mirrors the bronze issue columns as written by the lake writer.
// Every field is optional; legacy files are filtered out before reading.
type bronzeRow struct {
	ID        *int64  `parquet:"name=id, type=INT64, repetitiontype=OPTIONAL"`
	Number    *int64  `parquet:"name=number, type=INT64, repetitiontype=OPTIONAL"`
	Title     *string `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	State     *string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	UserLogin *string `parquet:"name=user_login, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Comments  *int64  `parquet:"name=comments, type=INT64, repetitiontype=OPTIONAL"`
	CreatedAt *string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	UpdatedAt *string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ClosedAt  *string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	RepoOwner *string `parquet:"name=repo_owner, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	RepoName  *string `parquet:"name=repo_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	IngestTS  *string `parquet:"name=ingest_ts, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// requiredColumns must all be present in a bronze file for it to
// participate in a silver build. Older files predating schema additions
// are skipped rather than failing the run.
var requiredColumns = []string{
	"id", "number", "title", "state", "user_login", "comments",
	"created_at", "updated_at", "ingest_ts", "repo_owner", "repo_name",
}

// issue is the in-memory working representation of one bronze record.
// Unparsable timestamps become nil rather than failing the build.
type issue struct {
	id        int64
	number    int64
	comments  int64
	title     string
	state     string
	userLogin string
	repoOwner string
	repoName  string
	repoFull  string

	createdAt *time.Time
	updatedAt *time.Time
	ingestTS  *time.Time

	repoCount30 float64
	repoCount90 float64
	userCount30 float64
	userCount90 float64
}

// loadDataset reads every parquet file under root into issues.
// Files whose column set misses the required schema are skipped.
func loadDataset(root string) ([]issue, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat bronze path: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bronze tree %s: %w", root, err)
	}

	var out []issue
	for _, path := range paths {
		ok, err := hasRequiredColumns(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, fromBronze(row))
		}
	}
	return out, nil
}

// hasRequiredColumns inspects the parquet footer without decoding rows.
func hasRequiredColumns(path string) (bool, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	pr, err := reader.NewParquetReader(fr, nil, 1)
	if err != nil {
		fr.Close()
		return false, fmt.Errorf("read parquet footer %s: %w", path, err)
	}
	present := make(map[string]bool)
	// Schema[0] is the root element.
	for _, el := range pr.Footer.Schema[1:] {
		present[strings.ToLower(el.Name)] = true
	}
	pr.ReadStop()
	fr.Close()

	for _, col := range requiredColumns {
		if !present[col] {
			return false, nil
		}
	}
	return true, nil
}

func readFile(path string) ([]bronzeRow, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(bronzeRow), 4)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return nil, nil
	}
	rows := make([]bronzeRow, num)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("decode parquet rows from %s: %w", path, err)
	}
	return rows, nil
}

func fromBronze(row bronzeRow) issue {
	is := issue{
		id:        derefInt(row.ID),
		number:    derefInt(row.Number),
		comments:  derefInt(row.Comments),
		title:     derefStr(row.Title),
		state:     derefStr(row.State),
		userLogin: derefStr(row.UserLogin),
		repoOwner: derefStr(row.RepoOwner),
		repoName:  derefStr(row.RepoName),
		createdAt: parseTime(row.CreatedAt),
		updatedAt: parseTime(row.UpdatedAt),
		ingestTS:  parseTime(row.IngestTS),
	}
	is.repoFull = is.repoOwner + "/" + is.repoName
	return is
}

// parseTime normalizes timestamp strings to UTC; unparsable values become
// nil rather than failing the build.
func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, *s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
