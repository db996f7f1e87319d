package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

func sampleReports() []engine.FailureReport {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []engine.FailureReport{
		{
			Domain:    "broken.example",
			LastState: engine.StateProviderRegistered,
			Attempts:  1,
			ErrorHistory: []engine.ErrorEntry{
				{
					Stage:     engine.StageConfigureDNS,
					Kind:      engine.ErrorClassPermanent,
					Code:      engine.ErrCodeNotFound,
					Message:   "zone not found",
					Attempts:  1,
					Timestamp: ts,
				},
			},
		},
		{Domain: "quiet.example", LastState: engine.StatePending},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"YAML", FormatYAML, false},
		{"yml", FormatYAML, false},
		{" table ", FormatTable, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Len(t, Formats(), 3)
}

func TestWriteFailures_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailures(&buf, sampleReports(), FormatJSON))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "broken.example", got[0]["domain"])
	assert.Equal(t, "provider_registered", got[0]["last_state"])
	assert.EqualValues(t, 1, got[0]["attempts"])

	history := got[0]["error_history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "configure_dns", entry["stage"])
	assert.Equal(t, "permanent", entry["kind"])
	assert.Equal(t, "zone not found", entry["message"])

	assert.Equal(t, []any{}, got[1]["error_history"])
}

func TestWriteFailures_JSONGolden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailures(&buf, sampleReports(), FormatJSON))

	g := goldie.New(t)
	g.Assert(t, "failures_json", buf.Bytes())
}

func TestWriteFailures_EmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailures(&buf, nil, FormatJSON))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteFailures_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailures(&buf, sampleReports(), FormatYAML))

	var got []engine.FailureReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, engine.StateProviderRegistered, got[0].LastState)
	assert.Equal(t, engine.StageConfigureDNS, got[0].ErrorHistory[0].Stage)
	assert.Contains(t, buf.String(), "last_state: provider_registered")
}

func TestWriteFailures_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFailures(&buf, sampleReports(), FormatTable))

	out := buf.String()
	for _, want := range []string{"DOMAIN", "LAST STATE", "broken.example", "provider_registered", "configure_dns", "permanent NOT_FOUND", "zone not found", "quiet.example"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "broken.example"), strings.Index(out, "quiet.example"))
}

func TestWriteFailures_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteFailures(&buf, sampleReports(), Format("xml")))
}

func TestWriteAliases(t *testing.T) {
	now := time.Now()
	b := engine.NewDomainRecord("b.example", now)
	b.Aliases = []engine.AliasRecord{
		{LocalPart: "zeta", ProviderAliasID: "1"},
		{LocalPart: "alpha", ProviderAliasID: "2"},
		{LocalPart: "planned"},
	}
	a := engine.NewDomainRecord("a.example", now)
	a.Aliases = []engine.AliasRecord{{LocalPart: "mail", ProviderAliasID: "3"}}

	var buf bytes.Buffer
	require.NoError(t, WriteAliases(&buf, []*engine.DomainRecord{b, a, a}))
	assert.Equal(t, "alpha@b.example\nmail@a.example\nzeta@b.example\n", buf.String())
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, map[engine.DomainState]int{
		engine.StateCompleted: 3,
		engine.StateFailed:    1,
	}))

	out := buf.String()
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "total")
	assert.Less(t, strings.Index(out, "pending"), strings.Index(out, "completed"))
	assert.Less(t, strings.Index(out, "completed"), strings.Index(out, "failed"))
}

func TestWriteEvents(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, WriteEvents(&buf, []*engine.Event{
		{Type: engine.EventTypeRunStarted, Timestamp: ts, Level: "info", Message: "Run started for 1 domains"},
		{
			Type: engine.EventTypeDomainTransition, Timestamp: ts, Level: "info", Domain: "a.example",
			Stage: engine.StageRegister, From: engine.StatePending, To: engine.StateProviderRegistered,
		},
	}))

	out := buf.String()
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.Contains(t, out, "run.started")
	assert.Contains(t, out, "pending -> provider_registered")
	assert.Contains(t, out, "a.example")
}
