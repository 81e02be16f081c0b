package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsline/anomalyd/internal/schema"
)

func rec(service string, fields map[string]float64) *schema.ParsedRecord {
	fv := map[string]schema.FieldValue{}
	for k, v := range fields {
		fv[k] = schema.Number(v)
	}
	return &schema.ParsedRecord{Service: service, Fields: fv}
}

func TestRuleMapFirstViolationWins(t *testing.T) {
	m := RuleMap{{"cpu_usage", 90}, {"memory_usage", 85}}

	violated, ev := m.Evaluate(rec("app", map[string]float64{"cpu_usage": 95, "memory_usage": 99}))
	require.True(t, violated)
	assert.Equal(t, "cpu_usage", ev.RuleName)
	assert.Equal(t, 90.0, ev.Threshold)
	assert.Equal(t, 95.0, ev.ActualValue)

	violated, ev = m.Evaluate(rec("app", map[string]float64{"cpu_usage": 50, "memory_usage": 99}))
	require.True(t, violated)
	assert.Equal(t, "memory_usage", ev.RuleName)
}

func TestRuleMapStrictComparison(t *testing.T) {
	m := RuleMap{{"response_time", 2000}}
	violated, _ := m.Evaluate(rec("web_server", map[string]float64{"response_time": 2000}))
	assert.False(t, violated, "equal to the limit is not a violation")
	violated, _ = m.Evaluate(rec("web_server", map[string]float64{"response_time": 2000.1}))
	assert.True(t, violated)
}

func TestRuleMapIgnoresMissingAndTextFields(t *testing.T) {
	m := RuleMap{{"error_rate", 0.1}}
	r := rec("web_server", nil)
	r.Fields["error_rate"] = schema.Text("high")
	violated, _ := m.Evaluate(r)
	assert.False(t, violated)
}

func TestConditionsResolveFallback(t *testing.T) {
	c := Conditions{
		"web_server": {{"response_time", 2000}},
		DefaultKey:   {{"cpu_usage", 95}},
	}
	assert.Equal(t, "response_time", c.Resolve("web_server")[0].Field)
	assert.Equal(t, "cpu_usage", c.Resolve("unknown_service")[0].Field)

	var empty Conditions
	assert.Nil(t, empty.Resolve("anything"))
}

func TestAlertRulesResolveFallback(t *testing.T) {
	r := AlertRules{
		"database": {Count: 5, WindowSeconds: 120},
		DefaultKey: {Count: 10, WindowSeconds: 300},
	}
	rule, ok := r.Resolve("database")
	require.True(t, ok)
	assert.Equal(t, 5, rule.Count)

	rule, ok = r.Resolve("unknown")
	require.True(t, ok)
	assert.Equal(t, 10, rule.Count)

	_, ok = AlertRules{}.Resolve("unknown")
	assert.False(t, ok)
}

func TestDefaultConditionsCoverKnownServices(t *testing.T) {
	c := DefaultConditions()
	violated, ev := c.Resolve("web_server").Evaluate(
		rec("web_server", map[string]float64{"response_time": 2500}))
	require.True(t, violated)
	assert.Equal(t, "response_time", ev.RuleName)

	violated, _ = c.Resolve("some_batch_job").Evaluate(
		rec("some_batch_job", map[string]float64{"cpu_usage": 96}))
	assert.True(t, violated, "unknown services fall back to __default__")
}

func TestSetReplace(t *testing.T) {
	s := NewSet(Conditions{"svc": {{"x", 10}}}, DefaultAlertRules())

	violated, _ := s.Evaluate(rec("svc", map[string]float64{"x": 11}))
	require.True(t, violated)

	s.Replace(Conditions{"svc": {{"x", 100}}}, nil)
	violated, _ = s.Evaluate(rec("svc", map[string]float64{"x": 11}))
	assert.False(t, violated)

	// Nil alerts kept the previous alert rules.
	_, ok := s.AlertRule("web_server")
	assert.True(t, ok)
}
