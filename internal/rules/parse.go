package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseConditionsJSON decodes an ALERT_CONDITIONS object
// ({service: {field: threshold}}) preserving the key order of each inner
// map. encoding/json's map type would lose that order, so this walks the
// token stream instead.
func ParseConditionsJSON(data []byte) (Conditions, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("alert conditions: %w", err)
	}
	out := Conditions{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		service, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("alert conditions: unexpected token %v", tok)
		}
		m, err := parseRuleMap(dec)
		if err != nil {
			return nil, fmt.Errorf("alert conditions for %q: %w", service, err)
		}
		out[service] = m
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseRuleMap(dec *json.Decoder) (RuleMap, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var m RuleMap
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		field, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		num, ok := tok.(json.Number)
		if !ok {
			return nil, fmt.Errorf("threshold for %q is not numeric", field)
		}
		limit, err := num.Float64()
		if err != nil {
			return nil, err
		}
		m = append(m, Threshold{Field: field, Limit: limit})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return m, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// ParseAlertRulesJSON decodes a COMPLEX_ALERT_RULES object
// ({service: {count, window_seconds}}).
func ParseAlertRulesJSON(data []byte) (AlertRules, error) {
	var out AlertRules
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("complex alert rules: %w", err)
	}
	for service, rule := range out {
		if rule.Count < 1 || rule.WindowSeconds < 1 {
			return nil, fmt.Errorf("complex alert rule for %q: count and window_seconds must be >= 1", service)
		}
	}
	return out, nil
}

// MergeConditions overlays user conditions on base. Existing services get
// field-level updates (keeping the base field order for overridden fields);
// new services and new fields are appended.
func MergeConditions(base, override Conditions) Conditions {
	out := Conditions{}
	for service, m := range base {
		out[service] = append(RuleMap(nil), m...)
	}
	for service, m := range override {
		cur, ok := out[service]
		if !ok {
			out[service] = append(RuleMap(nil), m...)
			continue
		}
		for _, t := range m {
			replaced := false
			for i := range cur {
				if cur[i].Field == t.Field {
					cur[i].Limit = t.Limit
					replaced = true
					break
				}
			}
			if !replaced {
				cur = append(cur, t)
			}
		}
		out[service] = cur
	}
	return out
}

// MergeAlertRules overlays user rules on base, replacing whole services.
func MergeAlertRules(base, override AlertRules) AlertRules {
	out := AlertRules{}
	for service, rule := range base {
		out[service] = rule
	}
	for service, rule := range override {
		out[service] = rule
	}
	return out
}

type rulesFile struct {
	Thresholds yaml.Node  `yaml:"thresholds"`
	Alerts     AlertRules `yaml:"alerts"`
}

// LoadFile reads a YAML rules file holding threshold conditions and,
// optionally, rate-alert rules. Threshold order within a service follows
// the document order, which is why the thresholds section is walked as a
// yaml.Node rather than decoded into a map.
func LoadFile(path string) (Conditions, AlertRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	cond, err := conditionsFromNode(&f.Thresholds)
	if err != nil {
		return nil, nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return cond, f.Alerts, nil
}

func conditionsFromNode(n *yaml.Node) (Conditions, error) {
	if n.Kind == 0 || n.IsZero() {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("thresholds must be a mapping")
	}
	out := Conditions{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		service := n.Content[i].Value
		inner := n.Content[i+1]
		if inner.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("thresholds for %q must be a mapping", service)
		}
		var m RuleMap
		for j := 0; j+1 < len(inner.Content); j += 2 {
			var limit float64
			if err := inner.Content[j+1].Decode(&limit); err != nil {
				return nil, fmt.Errorf("threshold %s.%s: %w", service, inner.Content[j].Value, err)
			}
			m = append(m, Threshold{Field: inner.Content[j].Value, Limit: limit})
		}
		out[service] = m
	}
	return out, nil
}
