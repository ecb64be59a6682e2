package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

func init() {
	Register("file.csv", func(options map[string]any) (Extractor, error) {
		return NewCSV(options)
	})
}

// CSV extracts records from local CSV files matching a glob pattern.
// Header row supplies the field names; all values are strings and are
// coerced downstream by the schema validator.
type CSV struct {
	pattern string
}

// NewCSV creates a flat-file extractor from raw options.
func NewCSV(options map[string]any) (*CSV, error) {
	pattern := getString(options, "path", "pattern")
	if pattern == "" {
		return nil, fmt.Errorf("csv extractor requires a path option")
	}
	return &CSV{pattern: pattern}, nil
}

// Extract walks every matching file in glob order. The since cursor is
// ignored: flat files are always re-read in full.
func (c *CSV) Extract(ctx context.Context, since string) (Iterator, error) {
	paths, err := filepath.Glob(c.pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", c.pattern, err)
	}
	return &csvIterator{paths: paths}, nil
}

type csvIterator struct {
	paths  []string
	file   *os.File
	reader *csv.Reader
	header []string
	cur    Record
	err    error
}

func (it *csvIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.reader == nil {
			if !it.openNext() {
				return false
			}
		}
		row, err := it.reader.Read()
		if errors.Is(err, io.EOF) {
			it.closeFile()
			continue
		}
		if err != nil {
			it.err = fmt.Errorf("read csv row: %w", err)
			it.closeFile()
			return false
		}
		rec := make(Record, len(it.header))
		for i, name := range it.header {
			if i < len(row) {
				rec[name] = row[i]
			}
		}
		it.cur = rec
		return true
	}
}

func (it *csvIterator) openNext() bool {
	if len(it.paths) == 0 {
		return false
	}
	path := it.paths[0]
	it.paths = it.paths[1:]

	f, err := os.Open(path)
	if err != nil {
		it.err = fmt.Errorf("open %s: %w", path, err)
		return false
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			// Empty file, move on.
			return it.openNext()
		}
		it.err = fmt.Errorf("read csv header from %s: %w", path, err)
		return false
	}
	it.file = f
	it.reader = r
	it.header = header
	return true
}

func (it *csvIterator) closeFile() {
	if it.file != nil {
		it.file.Close()
	}
	it.file = nil
	it.reader = nil
	it.header = nil
}

func (it *csvIterator) Value() Record { return it.cur }

func (it *csvIterator) Err() error { return it.err }

func (it *csvIterator) Close() error {
	it.closeFile()
	it.paths = nil
	return nil
}
