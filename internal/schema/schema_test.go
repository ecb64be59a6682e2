package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIssue() Record {
	return Record{
		"id":         float64(101),
		"number":     float64(12),
		"title":      "Crash on startup",
		"state":      "open",
		"user.login": "octocat",
		"comments":   float64(6),
		"created_at": "2024-01-01T09:00:00Z",
		"updated_at": "2024-01-03T09:00:00Z",
		"closed_at":  nil,
		"repo_owner": "acme",
		"repo_name":  "widgets",
	}
}

func TestValidateCoercesGitHubIssue(t *testing.T) {
	out, err := Validate(KindGitHub, validIssue())
	require.NoError(t, err)

	assert.Equal(t, int64(101), out["id"])
	assert.Equal(t, int64(12), out["number"])
	assert.Equal(t, int64(6), out["comments"])
	assert.Equal(t, "octocat", out["user_login"])
	assert.Equal(t, "2024-01-01T09:00:00Z", out["created_at"])
	assert.Nil(t, out["closed_at"])
	assert.Equal(t, "acme", out["repo_owner"])
}

func TestValidateClosedAt(t *testing.T) {
	rec := validIssue()
	rec["closed_at"] = "2024-02-01T00:00:00Z"
	out, err := Validate(KindGitHub, rec)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01T00:00:00Z", out["closed_at"])
}

func TestValidateMissingRequiredField(t *testing.T) {
	rec := validIssue()
	delete(rec, "title")
	_, err := Validate(KindGitHub, rec)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)
}

func TestValidateBadTimestamp(t *testing.T) {
	rec := validIssue()
	rec["created_at"] = "not-a-time"
	_, err := Validate(KindGitHub, rec)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "created_at", verr.Field)
}

func TestValidateCoercesStringIntegers(t *testing.T) {
	rec := validIssue()
	rec["id"] = "101"
	rec["comments"] = "6"
	out, err := Validate(KindGitHub, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(101), out["id"])
	assert.Equal(t, int64(6), out["comments"])
}

func TestValidateUnknownKindPassesThrough(t *testing.T) {
	rec := Record{"anything": "goes", "n": 42}
	out, err := Validate("file.csv", rec)
	require.NoError(t, err)
	assert.Equal(t, rec, out)
}

func TestAsRecordTimestampsAreUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	issue := &IssueRecord{
		ID: 1, Number: 1, Title: "t", State: "open", UserLogin: "u",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, loc),
		UpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, loc),
	}
	out := issue.AsRecord()
	assert.Equal(t, "2024-01-01T05:00:00Z", out["created_at"])
	assert.Equal(t, "2024-01-02T05:00:00Z", out["updated_at"])
}
