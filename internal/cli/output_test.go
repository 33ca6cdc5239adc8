package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/admembers/internal/flatten"
)

func sampleReport() *flatten.Report {
	return &flatten.Report{
		RunID:       "11111111-2222-3333-4444-555555555555",
		Prefix:      "Eng",
		GeneratedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Groups: []flatten.GroupResult{
			{
				GroupID:     "aaaa",
				DisplayName: "Engineering",
				GroupTypes:  []string{"Security", "Global"},
				Description: "All engineers",
				DistinctMembers: []flatten.UserRecord{
					{ID: "u1", DisplayName: "Alice", UserPrincipalName: "alice@example.com", Mail: "alice.mail@example.com"},
					{ID: "u2", DisplayName: "Bob", UserPrincipalName: "bob@example.com"},
				},
				DistinctMemberCount: 2,
			},
			{
				GroupID:             "bbbb",
				DisplayName:         "Engineering Ops",
				GroupTypes:          []string{"Security", "Global"},
				DistinctMembers:     nil,
				DistinctMemberCount: 0,
			},
		},
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, sampleReport(), "json"))

	var decoded flatten.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "Eng", decoded.Prefix)
	require.Len(t, decoded.Groups, 2)
	assert.Equal(t, "Engineering", decoded.Groups[0].DisplayName)
	assert.Len(t, decoded.Groups[0].DistinctMembers, 2)
	assert.Equal(t, "alice.mail@example.com", decoded.Groups[0].DistinctMembers[0].Mail)
}

func TestRenderCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, sampleReport(), "csv"))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)

	// Header, two member rows, one placeholder row for the empty group
	require.Len(t, records, 4)
	assert.Equal(t, []string{"group_id", "group_name", "group_types", "user_id", "display_name", "user_principal_name", "mail"}, records[0])
	assert.Equal(t, []string{"aaaa", "Engineering", "Security;Global", "u1", "Alice", "alice@example.com", "alice.mail@example.com"}, records[1])
	assert.Equal(t, []string{"aaaa", "Engineering", "Security;Global", "u2", "Bob", "bob@example.com", ""}, records[2])
	assert.Equal(t, []string{"bbbb", "Engineering Ops", "Security;Global", "", "", "", ""}, records[3])
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, sampleReport(), "table"))

	out := buf.String()
	assert.Contains(t, out, "prefix \"Eng\"")
	assert.Contains(t, out, "Engineering (Security/Global) 2 distinct member(s)")
	assert.Contains(t, out, "All engineers")
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "alice.mail@example.com")
	assert.Contains(t, out, "bob@example.com")

	// Members render as table rows under a header
	assert.True(t, strings.Contains(out, "USER ID"))
}

func TestRenderReportUnknownFormatFallsBackToTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, sampleReport(), "weird"))
	assert.Contains(t, buf.String(), "USER ID")
}
