package schema

import "github.com/nucleus/lake-core/internal/lake"

// IssueFields returns the bronze column definitions for GitHub issue
// sources, in write order. The ingest_ts column is stamped by the
// orchestrator at validation time; the partition column is appended by
// the lake writer.
func IssueFields() []lake.Field {
	return []lake.Field{
		{Name: "id", DataType: "INTEGER"},
		{Name: "number", DataType: "INTEGER"},
		{Name: "title", DataType: "STRING"},
		{Name: "state", DataType: "STRING"},
		{Name: "user_login", DataType: "STRING"},
		{Name: "comments", DataType: "INTEGER"},
		{Name: "created_at", DataType: "TIMESTAMP"},
		{Name: "updated_at", DataType: "TIMESTAMP"},
		{Name: "closed_at", DataType: "TIMESTAMP"},
		{Name: "repo_owner", DataType: "STRING"},
		{Name: "repo_name", DataType: "STRING"},
		{Name: "ingest_ts", DataType: "TIMESTAMP"},
	}
}
