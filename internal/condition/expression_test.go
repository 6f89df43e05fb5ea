package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	alert := MapContext{
		"type":     "malware",
		"severity": "critical",
		"score":    float64(92),
		"ack":      false,
		"data": map[string]interface{}{
			"host":      "ws-042",
			"source_ip": "10.0.0.7",
			"tags":      []interface{}{"edr", "prod"},
		},
	}

	cases := []struct {
		name    string
		expr    string
		want    bool
		wantErr bool
	}{
		{name: "gt true", expr: "score > 90", want: true},
		{name: "gt false", expr: "score > 95"},
		{name: "gte equal", expr: "score >= 92", want: true},
		{name: "lt", expr: "score < 10"},
		{name: "eq string", expr: `severity == "critical"`, want: true},
		{name: "neq string", expr: `severity != "low"`, want: true},
		{name: "bool literal", expr: "ack == false", want: true},
		{name: "nested field", expr: `data.host == "ws-042"`, want: true},
		{name: "AND", expr: `type == "malware" AND score > 50`, want: true},
		{name: "symbolic and", expr: `type == "malware" && score > 95`},
		{name: "OR", expr: `type == "phishing" OR score > 50`, want: true},
		{name: "symbolic or", expr: `type == "phishing" || score > 95`},
		{name: "NOT", expr: `NOT score > 95`, want: true},
		{name: "bang", expr: `! ack`, want: true},
		{name: "parens", expr: `(type == "phishing" OR type == "malware") AND score > 90`, want: true},
		{name: "contains string", expr: `data.host contains "042"`, want: true},
		{name: "contains list", expr: `data.tags contains "prod"`, want: true},
		{name: "matches", expr: `data.source_ip matches "^10\\."`, want: true},
		{name: "startswith", expr: `data.host startswith "ws-"`, want: true},
		{name: "endswith", expr: `data.host endswith "-043"`},
		{name: "truthy field", expr: "data.host", want: true},
		{name: "truthy false field", expr: "ack"},
		{name: "truthy missing field", expr: "data.user"},
		{name: "missing eq null", expr: "data.user == null", want: true},
		{name: "missing neq null", expr: "data.user != null"},
		{name: "unknown field", expr: "missing > 10", wantErr: true},
		{name: "numeric op on string", expr: "severity > 10", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ast, err := Parse(tc.expr)
			require.NoError(t, err)

			got, err := Evaluate(ast, alert)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateMissingFieldError(t *testing.T) {
	ast, err := Parse("missing > 10")
	require.NoError(t, err)

	_, err = Evaluate(ast, MapContext{})
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		`"unterminated`,
		`amount 1000`,
		``,
		`(score > 1`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		op       string
		actual   interface{}
		present  bool
		expected interface{}
		want     bool
	}{
		{"equals", "scanner", true, "scanner", true},
		{"not_equals", "scanner", true, "scanner", false},
		{"not_equals", nil, false, "scanner", true},
		{"contains", "vuln-scanner-01", true, "scanner", true},
		{"not_contains", "web-01", true, "scanner", true},
		{"starts_with", "10.1.2.3", true, "10.", true},
		{"ends_with", "corp.example.com", true, ".example.com", true},
		{"regex", "nessus-7", true, `^nessus-\d+$`, true},
		{"gt", float64(8), true, 5, true},
		{"gte", 5, true, float64(5), true},
		{"lt", 3, true, 5, true},
		{"lte", 6, true, 5, false},
		{"in", "low", true, []interface{}{"info", "low"}, true},
		{"not_in", "high", true, []interface{}{"info", "low"}, true},
		{"exists", "x", true, nil, true},
		{"exists", nil, false, true, false},
		{"exists", nil, false, false, true},
		{"equals", nil, false, "x", false},
	}

	for _, tc := range cases {
		op, err := ParseOperator(tc.op)
		require.NoError(t, err, tc.op)
		got, err := Match(op, tc.actual, tc.present, tc.expected)
		require.NoError(t, err, tc.op)
		assert.Equal(t, tc.want, got, "%s %v %v", tc.op, tc.actual, tc.expected)
	}

	_, err := ParseOperator("between")
	assert.Error(t, err)
}
