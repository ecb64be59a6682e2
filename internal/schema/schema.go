// Package schema enforces per-source-kind record shapes.
//
// GitHub issue records are coerced into a fixed typed schema via an explicit
// field mapping; records from unknown source kinds pass through untouched.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a field-name to value mapping.
type Record = map[string]any

// ValidationError describes a record that failed coercion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// KindGitHub marks sources whose records follow the GitHub issue schema.
const KindGitHub = "http.github"

// IssueRecord is the validated shape for GitHub issue sources.
type IssueRecord struct {
	ID        int64
	Number    int64
	Title     string
	State     string
	UserLogin string
	Comments  int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	RepoOwner string
	RepoName  string
}

// Validate coerces rec according to the source kind. The returned record is
// a fresh map; timestamps are serialized as RFC 3339 UTC strings and integer
// fields as int64, matching the bronze column types.
func Validate(kind string, rec Record) (Record, error) {
	if kind != KindGitHub {
		return rec, nil
	}
	issue, err := mapIssue(rec)
	if err != nil {
		return nil, err
	}
	return issue.AsRecord(), nil
}

// AsRecord flattens the typed issue back into a bronze-ready record.
func (ir *IssueRecord) AsRecord() Record {
	out := Record{
		"id":         ir.ID,
		"number":     ir.Number,
		"title":      ir.Title,
		"state":      ir.State,
		"user_login": ir.UserLogin,
		"comments":   ir.Comments,
		"created_at": ir.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": ir.UpdatedAt.UTC().Format(time.RFC3339),
		"repo_owner": ir.RepoOwner,
		"repo_name":  ir.RepoName,
	}
	if ir.ClosedAt != nil {
		out["closed_at"] = ir.ClosedAt.UTC().Format(time.RFC3339)
	} else {
		out["closed_at"] = nil
	}
	return out
}

func mapIssue(rec Record) (*IssueRecord, error) {
	issue := &IssueRecord{}
	var err error

	if issue.ID, err = requireInt(rec, "id"); err != nil {
		return nil, err
	}
	if issue.Number, err = requireInt(rec, "number"); err != nil {
		return nil, err
	}
	if issue.Title, err = requireString(rec, "title"); err != nil {
		return nil, err
	}
	if issue.State, err = requireString(rec, "state"); err != nil {
		return nil, err
	}
	// The extractor flattens the nested author object to a dotted key.
	if issue.UserLogin, err = requireString(rec, "user.login"); err != nil {
		return nil, err
	}
	if issue.Comments, err = requireInt(rec, "comments"); err != nil {
		return nil, err
	}
	if issue.CreatedAt, err = requireTime(rec, "created_at"); err != nil {
		return nil, err
	}
	if issue.UpdatedAt, err = requireTime(rec, "updated_at"); err != nil {
		return nil, err
	}
	if v, ok := rec["closed_at"]; ok && v != nil {
		t, terr := coerceTime(v)
		if terr != nil {
			return nil, &ValidationError{Field: "closed_at", Reason: terr.Error()}
		}
		issue.ClosedAt = &t
	}
	// Repo coordinates are attached by the extractor; tolerate absence for
	// records arriving from flat files.
	issue.RepoOwner, _ = rec["repo_owner"].(string)
	issue.RepoName, _ = rec["repo_name"].(string)
	return issue, nil
}

func requireInt(rec Record, field string) (int64, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return 0, &ValidationError{Field: field, Reason: "missing required field"}
	}
	n, err := coerceInt(v)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: err.Error()}
	}
	return n, nil
}

func requireString(rec Record, field string) (string, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return "", &ValidationError{Field: field, Reason: "missing required field"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

func requireTime(rec Record, field string) (time.Time, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return time.Time{}, &ValidationError{Field: field, Reason: "missing required field"}
	}
	t, err := coerceTime(v)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Reason: err.Error()}
	}
	return t, nil
}

func coerceInt(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func coerceTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp: %q", val)
	default:
		return time.Time{}, fmt.Errorf("expected timestamp, got %T", v)
	}
}
