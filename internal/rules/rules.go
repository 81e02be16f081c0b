// Package rules implements deterministic threshold detection: per-service
// upper bounds on numeric fields, and the per-service count/window rules
// the rate aggregator fires alerts on.
package rules

import (
	"sync"

	"github.com/opsline/anomalyd/internal/schema"
)

// DefaultKey is the fallback entry consulted when a service has no
// rules of its own.
const DefaultKey = "__default__"

// Threshold is a single upper bound on a numeric field. A violation is
// actual > Limit, strictly.
type Threshold struct {
	Field string
	Limit float64
}

// RuleMap is an ordered list of thresholds for one service. Order is the
// insertion order of the configured map: the first violated threshold wins.
type RuleMap []Threshold

// Evaluate checks rec against the map and returns the first violation in
// configured order. Non-numeric and absent fields never violate.
func (m RuleMap) Evaluate(rec *schema.ParsedRecord) (bool, *schema.Evidence) {
	for _, t := range m {
		v, ok := rec.NumericField(t.Field)
		if ok && v > t.Limit {
			return true, &schema.Evidence{RuleName: t.Field, Threshold: t.Limit, ActualValue: v}
		}
	}
	return false, nil
}

// Conditions maps service name to its threshold rules.
type Conditions map[string]RuleMap

// Resolve returns the active rule map for a service: the service's own
// rules if defined, else the __default__ rules, else nil.
func (c Conditions) Resolve(service string) RuleMap {
	if m, ok := c[service]; ok {
		return m
	}
	return c[DefaultKey]
}

// AlertRule is the per-service rate-alert trigger: Count anomalies within
// WindowSeconds.
type AlertRule struct {
	Count         int `json:"count" yaml:"count"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// AlertRules maps service name to its rate-alert rule.
type AlertRules map[string]AlertRule

// Resolve returns the active alert rule for a service, falling back to
// __default__. ok is false when neither is configured.
func (r AlertRules) Resolve(service string) (AlertRule, bool) {
	if rule, ok := r[service]; ok {
		return rule, true
	}
	rule, ok := r[DefaultKey]
	return rule, ok
}

// DefaultConditions mirrors the built-in alert conditions used when
// ALERT_CONDITIONS is not set.
func DefaultConditions() Conditions {
	return Conditions{
		"web_server":  {{"response_time", 2000}, {"error_rate", 0.1}},
		"database":    {{"query_time", 5000}, {"connection_count", 500}, {"error_rate", 0.05}},
		"application": {{"cpu_usage", 90}, {"memory_usage", 85}, {"thread_count", 300}},
		DefaultKey:    {{"cpu_usage", 95}, {"memory_usage", 90}, {"error_rate", 0.2}},
	}
}

// DefaultAlertRules mirrors the built-in rate-alert rules used when
// COMPLEX_ALERT_RULES is not set.
func DefaultAlertRules() AlertRules {
	return AlertRules{
		"web_server":  {Count: 3, WindowSeconds: 60},
		"database":    {Count: 5, WindowSeconds: 120},
		"application": {Count: 8, WindowSeconds: 180},
		DefaultKey:    {Count: 10, WindowSeconds: 300},
	}
}

// Set holds the live rule configuration. Reads take a snapshot under a
// short read lock so a concurrent reload never mixes old and new rules
// within one evaluation.
type Set struct {
	mu     sync.RWMutex
	cond   Conditions
	alerts AlertRules
}

// NewSet builds a Set from the given configuration.
func NewSet(cond Conditions, alerts AlertRules) *Set {
	if cond == nil {
		cond = Conditions{}
	}
	if alerts == nil {
		alerts = AlertRules{}
	}
	return &Set{cond: cond, alerts: alerts}
}

// Evaluate applies the active threshold rules for rec's service.
func (s *Set) Evaluate(rec *schema.ParsedRecord) (bool, *schema.Evidence) {
	s.mu.RLock()
	m := s.cond.Resolve(rec.Service)
	s.mu.RUnlock()
	return m.Evaluate(rec)
}

// AlertRule resolves the rate-alert rule for a service.
func (s *Set) AlertRule(service string) (AlertRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.Resolve(service)
}

// Replace swaps in a new configuration. Nil arguments keep the current
// value, so a rules file carrying only thresholds leaves alert rules alone.
func (s *Set) Replace(cond Conditions, alerts AlertRules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cond != nil {
		s.cond = cond
	}
	if alerts != nil {
		s.alerts = alerts
	}
}

// Conditions returns the current threshold configuration.
func (s *Set) Conditions() Conditions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cond
}
