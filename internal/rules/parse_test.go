package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditionsJSONPreservesOrder(t *testing.T) {
	cond, err := ParseConditionsJSON([]byte(
		`{"svc":{"z_field":1,"a_field":2,"m_field":3}}`))
	require.NoError(t, err)

	m := cond["svc"]
	require.Len(t, m, 3)
	assert.Equal(t, "z_field", m[0].Field)
	assert.Equal(t, "a_field", m[1].Field)
	assert.Equal(t, "m_field", m[2].Field)
}

func TestParseConditionsJSONRejectsNonNumeric(t *testing.T) {
	_, err := ParseConditionsJSON([]byte(`{"svc":{"x":"high"}}`))
	assert.Error(t, err)
	_, err = ParseConditionsJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestParseAlertRulesJSON(t *testing.T) {
	rules, err := ParseAlertRulesJSON([]byte(
		`{"web_server":{"count":3,"window_seconds":60}}`))
	require.NoError(t, err)
	assert.Equal(t, AlertRule{Count: 3, WindowSeconds: 60}, rules["web_server"])

	_, err = ParseAlertRulesJSON([]byte(`{"svc":{"count":0,"window_seconds":60}}`))
	assert.Error(t, err)
	_, err = ParseAlertRulesJSON([]byte(`{"svc":{"count":3,"window_seconds":0}}`))
	assert.Error(t, err)
}

func TestMergeConditions(t *testing.T) {
	base := Conditions{"svc": {{"f1", 1}, {"f2", 2}}}
	override := Conditions{
		"svc":   {{"f2", 20}, {"f3", 3}},
		"other": {{"x", 5}},
	}
	out := MergeConditions(base, override)

	m := out["svc"]
	require.Len(t, m, 3)
	assert.Equal(t, Threshold{"f1", 1}, m[0])
	assert.Equal(t, Threshold{"f2", 20}, m[1], "override keeps the base position")
	assert.Equal(t, Threshold{"f3", 3}, m[2], "new fields append")
	assert.Equal(t, RuleMap{{"x", 5}}, out["other"])

	// Base is not mutated.
	assert.Equal(t, 2.0, base["svc"][1].Limit)
}

func TestMergeAlertRulesReplacesWholeService(t *testing.T) {
	base := AlertRules{"svc": {Count: 3, WindowSeconds: 60}, DefaultKey: {Count: 10, WindowSeconds: 300}}
	out := MergeAlertRules(base, AlertRules{"svc": {Count: 7, WindowSeconds: 30}})
	assert.Equal(t, AlertRule{Count: 7, WindowSeconds: 30}, out["svc"])
	assert.Equal(t, AlertRule{Count: 10, WindowSeconds: 300}, out[DefaultKey])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
thresholds:
  payments:
    charge_latency: 800
    error_rate: 0.02
  __default__:
    cpu_usage: 95
alerts:
  payments:
    count: 4
    window_seconds: 90
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cond, alerts, err := LoadFile(path)
	require.NoError(t, err)

	m := cond["payments"]
	require.Len(t, m, 2)
	assert.Equal(t, Threshold{"charge_latency", 800}, m[0], "document order is kept")
	assert.Equal(t, Threshold{"error_rate", 0.02}, m[1])
	assert.Equal(t, RuleMap{{"cpu_usage", 95}}, cond[DefaultKey])
	assert.Equal(t, AlertRule{Count: 4, WindowSeconds: 90}, alerts["payments"])
}

func TestLoadFileThresholdsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  svc:\n    x: 1\n"), 0o644))

	cond, alerts, err := LoadFile(path)
	require.NoError(t, err)
	assert.NotNil(t, cond)
	assert.Nil(t, alerts)
}

func TestLoadFileErrors(t *testing.T) {
	_, _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: [1,2]\n"), 0o644))
	_, _, err = LoadFile(path)
	assert.Error(t, err)
}
