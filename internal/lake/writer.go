// Package lake appends validated records to a partitioned local parquet lake.
package lake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Record is a validated record ready for persistence.
type Record = map[string]any

// Field describes one bronze column.
type Field struct {
	Name     string
	DataType string // STRING, INTEGER, DOUBLE, BOOLEAN, TIMESTAMP
}

// WriteResult reports a completed lake append.
type WriteResult struct {
	RowsWritten int64
	Partitions  []string
}

// Write groups records by the partition key's value and appends one new
// parquet file per partition under root/destination/key=value/. Records
// missing the partition key receive the current UTC ingest date. Existing
// files are never overwritten; each call creates the next part-N file.
// An empty record slice is a no-op.
func Write(records []Record, root, destination, partitionKey string, fields []Field) (*WriteResult, error) {
	if len(records) == 0 {
		return &WriteResult{}, nil
	}
	if partitionKey == "" {
		partitionKey = "ingest_date"
	}

	defaultPartition := time.Now().UTC().Format("2006-01-02")
	groups := make(map[string][]Record)
	for _, rec := range records {
		val, ok := rec[partitionKey]
		pv := ""
		if ok && val != nil {
			pv = fmt.Sprint(val)
		}
		if pv == "" {
			pv = defaultPartition
			rec[partitionKey] = pv
		}
		groups[pv] = append(groups[pv], rec)
	}

	if len(fields) == 0 {
		fields = inferFields(records)
	}
	fields = ensureField(fields, partitionKey)
	schemaDef := buildParquetSchema(fields)

	partitions := make([]string, 0, len(groups))
	var rows int64
	for pv, group := range groups {
		dir := filepath.Join(root, destination, fmt.Sprintf("%s=%s", partitionKey, pv))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create partition dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("part-%d.parquet", nextPartNumber(dir)))
		n, err := writeParquet(path, schemaDef, fields, group)
		if err != nil {
			return nil, fmt.Errorf("write partition %s=%s: %w", partitionKey, pv, err)
		}
		rows += n
		partitions = append(partitions, pv)
	}
	sort.Strings(partitions)
	return &WriteResult{RowsWritten: rows, Partitions: partitions}, nil
}

// nextPartNumber counts existing entries so a new file never collides.
func nextPartNumber(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

func writeParquet(path, schemaDef string, fields []Field, records []Record) (int64, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("open parquet file: %w", err)
	}
	pw, err := writer.NewJSONWriter(schemaDef, fw, 4)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var rows int64
	for _, rec := range records {
		row := projectRow(rec, fields)
		// JSONWriter.Write expects a JSON-encoded string, not a map.
		encoded, err := json.Marshal(row)
		if err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return rows, fmt.Errorf("encode row: %w", err)
		}
		if err := pw.Write(string(encoded)); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return rows, fmt.Errorf("write row: %w", err)
		}
		rows++
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return rows, fmt.Errorf("finalize parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return rows, fmt.Errorf("close parquet file: %w", err)
	}
	return rows, nil
}

func buildParquetSchema(fields []Field) string {
	defs := make([]map[string]string, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", f.Name, physicalType(f.DataType)),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": defs,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func physicalType(dataType string) string {
	switch strings.ToUpper(dataType) {
	case "BOOLEAN":
		return "BOOLEAN"
	case "INTEGER", "INT", "BIGINT":
		return "INT64"
	case "FLOAT", "DOUBLE", "NUMBER", "NUMERIC", "DECIMAL":
		return "DOUBLE"
	default:
		// STRING, TIMESTAMP and anything unknown are stored as UTF8 text.
		return "BYTE_ARRAY, convertedtype=UTF8"
	}
}

func projectRow(rec Record, fields []Field) Record {
	row := make(Record, len(fields))
	for _, f := range fields {
		row[f.Name] = rec[f.Name]
	}
	return row
}

// inferFields derives a column set for passthrough sources from the records
// themselves: union of keys, type taken from the first non-nil value.
func inferFields(records []Record) []Field {
	types := make(map[string]string)
	order := make([]string, 0)
	for _, rec := range records {
		for k, v := range rec {
			if _, seen := types[k]; !seen {
				order = append(order, k)
				types[k] = ""
			}
			if types[k] == "" && v != nil {
				types[k] = goType(v)
			}
		}
	}
	sort.Strings(order)
	fields := make([]Field, 0, len(order))
	for _, name := range order {
		dt := types[name]
		if dt == "" {
			dt = "STRING"
		}
		fields = append(fields, Field{Name: name, DataType: dt})
	}
	return fields
}

func goType(v any) string {
	switch v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "INTEGER"
	case float32, float64:
		return "DOUBLE"
	default:
		return "STRING"
	}
}

func ensureField(fields []Field, name string) []Field {
	for _, f := range fields {
		if f.Name == name {
			return fields
		}
	}
	return append(fields, Field{Name: name, DataType: "STRING"})
}
