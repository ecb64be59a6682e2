// Package normalize applies stateless per-record cleanup before validation.
package normalize

import "strings"

// Record is a raw record as emitted by an extractor.
type Record = map[string]any

// Clean trims string values and converts whitespace-only strings to nil.
// Non-string values pass through unchanged. Clean is idempotent.
func Clean(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s == "" {
				out[k] = nil
				continue
			}
			out[k] = s
			continue
		}
		out[k] = v
	}
	return out
}
